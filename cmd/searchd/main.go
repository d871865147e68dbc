// Command searchd runs the SearchEngine job-graph and serves it over the
// REST façade described in SPEC_FULL.md §6.3, dialing one Hub connection and
// one connection per configured indexer/search peer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/config"
	"github.com/flowee-go/hubindex/internal/restapi"
	"github.com/flowee-go/hubindex/internal/search"
	"github.com/flowee-go/hubindex/internal/wire"
)

// lookupCacheSize bounds Engine's resolved-lookup LRU; large enough to
// absorb a burst of repeated address/tx queries without needing a config
// knob of its own.
const lookupCacheSize = 4096

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	log := logv3.Root()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("searchd: loading config failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("searchd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logv3.Logger) error {
	engine := search.NewEngine(lookupCacheSize, log)

	hub := search.DialService(ctx, engine, cfg.Hub.Endpoint, wire.TheHub)
	defer hub.Close()

	for _, peer := range cfg.SearchPeers {
		services, err := parseServices(peer.Services)
		if err != nil {
			return fmt.Errorf("searchd: search_peers[%s]: %w", peer.Address, err)
		}
		if len(services) == 0 {
			return fmt.Errorf("searchd: search_peers[%s]: no services listed", peer.Address)
		}
		conn := search.DialService(ctx, engine, peer.Address, services...)
		defer conn.Close()
	}

	backend := restapi.NewBackend(engine, cfg.CashAddrHRP, cfg.REST.AdminToken)
	backend.Log = log
	if cfg.REST.ReadTimeout > 0 {
		backend.Timeout = cfg.REST.ReadTimeout
	}

	srv := &http.Server{
		Addr:         cfg.REST.BindAddress,
		Handler:      http.StripPrefix("/v2", restapi.NewRouter(backend)),
		ReadTimeout:  cfg.REST.ReadTimeout,
		WriteTimeout: cfg.REST.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("searchd: listening", "addr", cfg.REST.BindAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.REST.WriteTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("searchd: shutting down REST server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// parseServices maps config.yaml's human-readable service names to the
// wire.Service constants search.DialService expects.
func parseServices(names []string) ([]wire.Service, error) {
	out := make([]wire.Service, 0, len(names))
	for _, name := range names {
		switch name {
		case "TheHub":
			out = append(out, wire.TheHub)
		case "IndexerTxIdDb":
			out = append(out, wire.IndexerTxIdDb)
		case "IndexerAddressDb":
			out = append(out, wire.IndexerAddressDb)
		case "IndexerSpentDb":
			out = append(out, wire.IndexerSpentDb)
		default:
			return nil, fmt.Errorf("unknown service %q", name)
		}
	}
	return out, nil
}
