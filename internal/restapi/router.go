package restapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the full /v2 surface over b, rooted at "/" so callers
// choose their own mount point (the daemon's main.go mounts this under
// "/v2" directly, matching §6.3's default prefix).
func NewRouter(b *Backend) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	route := func(pattern, name string, h http.HandlerFunc) {
		r.Get(pattern, metricsMiddleware(name, h))
	}
	routePost := func(pattern, name string, h http.HandlerFunc) {
		r.Post(pattern, metricsMiddleware(name, h))
	}

	route("/status", "status", b.handleStatus)
	route("/block/{hash}", "block-by-hash", b.handleBlockByHash)
	route("/block-index/{height}", "block-by-height", b.handleBlockByHeight)

	route("/transaction/details/{txid}", "tx-details-one", b.handleTransactionDetails)
	routePost("/transaction/details", "tx-details-many", b.handleTransactionDetails)

	route("/address/details/{addr}", "address-details-one", b.handleAddressDetails)
	routePost("/address/details", "address-details-many", b.handleAddressDetails)

	route("/address/utxo/{addr}", "address-utxo-one", b.handleAddressUTXO)
	routePost("/address/utxo", "address-utxo-many", b.handleAddressUTXO)

	route("/rawtransactions/getRawTransaction/{txid}", "raw-tx", b.handleGetRawTransaction)
	routePost("/rawtransactions/sendRawTransaction", "send-raw-tx", b.handleSendRawTransaction)

	r.Get("/metrics", metricsHandler().ServeHTTP)

	if b.AdminToken != "" {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(b.requireAdminToken)
			ar.Post("/save-caches", b.handleSaveCaches)
		})
	}

	return r
}
