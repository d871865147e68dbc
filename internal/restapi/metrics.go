package restapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hubindex",
		Subsystem: "restapi",
		Name:      "requests_total",
		Help:      "HTTP requests served by the REST facade, by route and status code.",
	}, []string{"route", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hubindex",
		Subsystem: "restapi",
		Name:      "request_duration_seconds",
		Help:      "REST facade handler latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// metricsMiddleware records per-route request count and latency, mirroring
// the teacher's use of client_golang's promauto registration pattern.
func metricsMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// metricsHandler exposes /metrics for Prometheus scraping.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
