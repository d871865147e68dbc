// Package restapi renders internal/search's job-graph results as a JSON
// HTTP façade, grounded on spec.md §6.3's endpoint table: a handler builds a
// Search, blocks on it with a Waiter, and renders whatever landed in
// Answer/BlockHeaders/Errors.
package restapi

import (
	"time"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/search"
)

// defaultTimeout bounds how long a handler will wait on SearchEngine before
// answering 504, so a stuck upstream connection can't pin an HTTP worker
// goroutine forever.
const defaultTimeout = 10 * time.Second

// Backend is the dependency set every handler closes over.
type Backend struct {
	Engine      *search.Engine
	CashAddrHRP string // default CashAddr prefix, e.g. "bitcoincash"
	AdminToken  string // empty disables the /v2/admin sub-router
	Timeout     time.Duration
	Log         logv3.Logger
}

// NewBackend wires a Backend to engine, applying SPEC_FULL.md's §10
// defaults for anything the caller leaves zero.
func NewBackend(engine *search.Engine, cashAddrHRP, adminToken string) *Backend {
	if cashAddrHRP == "" {
		cashAddrHRP = "bitcoincash"
	}
	log := logv3.Root()
	return &Backend{
		Engine:      engine,
		CashAddrHRP: cashAddrHRP,
		AdminToken:  adminToken,
		Timeout:     defaultTimeout,
		Log:         log,
	}
}

func (b *Backend) timeout() time.Duration {
	if b.Timeout <= 0 {
		return defaultTimeout
	}
	return b.Timeout
}
