// Command indexerd runs the tx-id, address and spent-output indexer
// drivers against a single Hub connection, and serves their answers to
// searchd's IndexerService connections, grounded on spec.md §5's threading
// model: a shared Controller multiplexing one GetBlock stream across as
// many drivers as this process is configured to run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	logv3 "github.com/erigontech/erigon-lib/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/flowee-go/hubindex/internal/config"
	"github.com/flowee-go/hubindex/internal/hubconn"
	"github.com/flowee-go/hubindex/internal/indexerctl"
	"github.com/flowee-go/hubindex/internal/indexsrv"
)

// nextBlockTimeout bounds how long a driver's Run loop waits for its next
// wanted height before re-checking ctx and the controller's cache.
const nextBlockTimeout = 30 * time.Second

// pendingSender is an indexerctl.Sender that forwards once a real
// connection is installed, and fails cleanly (retried on the controller's
// own resend timer) before that.
type pendingSender struct {
	conn atomic.Pointer[hubconn.Conn]
}

func (p *pendingSender) SendGetBlock(height int32) error {
	c := p.conn.Load()
	if c == nil {
		return fmt.Errorf("indexerd: hub connection not established yet")
	}
	return c.SendGetBlock(height)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	log := logv3.Root()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("indexerd: loading config failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("indexerd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logv3.Logger) error {
	byName := make(map[string]config.IndexerConfig, len(cfg.Indexers))
	for _, ic := range cfg.Indexers {
		byName[ic.Name] = ic
	}

	maxSlots := 0
	if _, ok := byName["txid"]; ok {
		maxSlots = indexerctl.TxIndexerSlot + 1
	}
	if _, ok := byName["spent"]; ok && indexerctl.SpentIndexerSlot+1 > maxSlots {
		maxSlots = indexerctl.SpentIndexerSlot + 1
	}
	if _, ok := byName["address"]; ok && indexerctl.AddressIndexerSlot+1 > maxSlots {
		maxSlots = indexerctl.AddressIndexerSlot + 1
	}
	if maxSlots == 0 {
		return fmt.Errorf("indexerd: no indexers configured (expected entries named txid/address/spent)")
	}

	// hubconn.Conn needs ctl to exist before it can be constructed, and ctl
	// needs a Sender at construction time; pending breaks the cycle by
	// absorbing any SendGetBlock call that lands between ctl's creation and
	// the real connection being installed a few lines later.
	pending := &pendingSender{}
	ctl := indexerctl.New(pending, maxSlots, log)
	conn := hubconn.Dial(ctx, cfg.Hub.Endpoint, ctl, log)
	pending.conn.Store(conn)
	defer conn.Close()

	var drivers indexsrv.Drivers
	var listenAddr string
	g, gctx := errgroup.WithContext(ctx)

	if ic, ok := byName["txid"]; ok {
		idx, err := indexerctl.NewTxIndexer(ic.DataDir, ctl, log)
		if err != nil {
			return fmt.Errorf("indexerd: opening txid indexer: %w", err)
		}
		defer idx.Close()
		drivers.TxIDs = idx
		if ic.ListenAddress != "" {
			listenAddr = ic.ListenAddress
		}
		g.Go(func() error { return idx.Run(gctx, nextBlockTimeout) })
	}
	if ic, ok := byName["spent"]; ok {
		idx, err := indexerctl.NewSpentOutputIndexer(ic.DataDir, ctl, log)
		if err != nil {
			return fmt.Errorf("indexerd: opening spent-output indexer: %w", err)
		}
		defer idx.Close()
		drivers.Spent = idx
		if listenAddr == "" && ic.ListenAddress != "" {
			listenAddr = ic.ListenAddress
		}
		g.Go(func() error { return idx.Run(gctx, nextBlockTimeout) })
	}
	if ic, ok := byName["address"]; ok {
		idx, err := indexerctl.NewAddressIndexer(ic.DataDir, ctl, log)
		if err != nil {
			return fmt.Errorf("indexerd: opening address indexer: %w", err)
		}
		defer idx.Close()
		drivers.Address = idx
		if listenAddr == "" && ic.ListenAddress != "" {
			listenAddr = ic.ListenAddress
		}
		g.Go(func() error { return idx.Run(gctx, nextBlockTimeout) })
	}

	if listenAddr != "" {
		srv := indexsrv.NewServer(drivers, log)
		g.Go(func() error { return srv.Listen(gctx, listenAddr) })
	} else {
		log.Warn("indexerd: no indexer has a listen address configured, serving nothing to searchd")
	}

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}
	ctl.Close()
	return g.Wait()
}
