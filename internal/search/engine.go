package search

import (
	"sync"
	"sync/atomic"

	logv3 "github.com/erigontech/erigon-lib/log/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/wire"
)

// Conn is the minimum an Engine needs from a connection: a way to send a
// built message, and the set of Services it backs. Grounded on
// NetworkConnection as used by SearchEnginePrivate::Connection; the actual
// socket handling lives in conn.go's tcpConn, kept behind this interface so
// tests can drive the policy logic with an in-memory fake.
type Conn interface {
	Send(msg bufpool.ConstBuffer) error
	Services() map[wire.Service]bool
}

type connEntry struct {
	conn     Conn
	services map[wire.Service]bool
}

// resolvedLookup is the LRU cache value for a completed LookupTxById or
// LookupSpentTx: sharing it across Searches avoids re-asking the indexer for
// a hot txid every time a new Search references it.
type resolvedLookup struct {
	blockHeight   int32
	offsetInBlock int32
}

// Engine is SearchEngine/SearchEnginePrivate collapsed into one type: it
// owns the connection pool, assigns RequestIDs, and routes every inbound
// Message to the Search it belongs to.
type Engine struct {
	log  logv3.Logger
	pool *bufpool.Pool

	mu            sync.Mutex
	connections   []connEntry
	searchers     map[int32]*Search
	nextRequestID atomic.Int32
	seenServices  map[wire.Service]bool

	lookupCache *lru.Cache[lookupCacheKey, resolvedLookup]
}

type lookupCacheKey struct {
	service wire.Service
	txid    wire.Hash256
	arg     int32 // outIndex for LookupSpentTx, unused (0) for LookupTxById
}

// NewEngine creates an Engine with a bounded lookup cache of the given size
// (0 disables caching).
func NewEngine(cacheSize int, log logv3.Logger) *Engine {
	if log == nil {
		log = logv3.Root()
	}
	e := &Engine{
		log:          log,
		pool:         bufpool.New(4096),
		searchers:    make(map[int32]*Search),
		seenServices: make(map[wire.Service]bool),
	}
	if cacheSize > 0 {
		c, err := lru.New[lookupCacheKey, resolvedLookup](cacheSize)
		if err == nil {
			e.lookupCache = c
		} else {
			e.log.Warn("search: lookup cache disabled", "err", err)
		}
	}
	return e
}

// AddConnection registers conn as backing the given services, mirroring
// SearchEngine::addIndexer/addHub populating SearchEnginePrivate::connections.
func (e *Engine) AddConnection(conn Conn) {
	services := conn.Services()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = append(e.connections, connEntry{conn: conn, services: services})
	for svc, ok := range services {
		if ok {
			e.seenServices[svc] = true
		}
	}
}

// RemoveConnection drops conn from the pool, e.g. on disconnect.
func (e *Engine) RemoveConnection(conn Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.connections {
		if c.conn == conn {
			e.connections = append(e.connections[:i], e.connections[i+1:]...)
			return
		}
	}
}

// IsConnected reports whether any live connection currently backs service.
func (e *Engine) IsConnected(service wire.Service) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.connections {
		if c.services[service] {
			return true
		}
	}
	return false
}

// Broadcast builds a bodyless control message and sends it to every
// distinct connection backing any of services, returning how many
// connections it reached. Used for fire-and-forget requests that have no
// SearchRequestId to route a reply through (e.g. the REST admin
// save-caches endpoint) rather than Search's per-job RPC machinery.
func (e *Engine) Broadcast(serviceID wire.ServiceID, messageID wire.MessageID, services ...wire.Service) (int, error) {
	b := wire.NewBuilder(e.pool, serviceID, messageID)
	frame, err := b.Build()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	seen := make(map[Conn]bool)
	var targets []Conn
	for _, c := range e.connections {
		for _, svc := range services {
			if c.services[svc] && !seen[c.conn] {
				seen[c.conn] = true
				targets = append(targets, c.conn)
				break
			}
		}
	}
	e.mu.Unlock()

	sent := 0
	for _, target := range targets {
		if err := target.Send(frame); err != nil {
			e.log.Warn("search: broadcast send failed", "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// sendMessage picks the first connection backing service and sends frame
// over it, mirroring SearchEnginePrivate::sendMessage. Returns a
// ServiceUnavailableError (never a bare error) when nothing backs service.
func (e *Engine) sendMessage(frame bufpool.ConstBuffer, service wire.Service) error {
	e.mu.Lock()
	var target Conn
	for _, c := range e.connections {
		if c.services[service] {
			target = c.conn
			break
		}
	}
	temporarily := e.seenServices[service]
	e.mu.Unlock()

	if target == nil {
		return &ServiceUnavailableError{Service: service, Temporarily: temporarily}
	}
	return target.Send(frame)
}

// Start registers request with the engine and kicks off its initial jobs,
// mirroring SearchEngine::start. Jobs whose target service is unavailable
// abort the whole Search via Callbacks.Aborted, matching the source's
// "processRequests can throw ServiceUnavailableException" behavior.
func (e *Engine) Start(s *Search) {
	id := e.nextRequestID.Add(1)
	s.RequestID = id
	s.engine = e

	e.mu.Lock()
	e.searchers[id] = s
	e.mu.Unlock()

	e.processRequests(s)
}

// searchFinished drops request from the routing table, mirroring
// SearchEnginePrivate::searchFinished. Called once a Search's Finished
// callback has fired; no further replies for it are expected, and any that
// arrive late are dropped by Dispatch.
func (e *Engine) searchFinished(s *Search) {
	e.mu.Lock()
	delete(e.searchers, s.RequestID)
	e.mu.Unlock()
}

// Dispatch routes one inbound Message to the Search named by its
// SearchRequestID header tag, mirroring SearchPolicy::parseMessageFromHub/
// parseMessageFromIndexer's outer routing step. Unknown or already-finished
// SearchRequestIDs are logged and dropped.
func (e *Engine) Dispatch(msg *wire.Message) {
	if !msg.HasSearchRequestID() {
		e.log.Debug("search: message without SearchRequestId dropped", "service", msg.ServiceID, "message", msg.MessageID)
		return
	}
	e.mu.Lock()
	s := e.searchers[msg.SearchRequestID]
	e.mu.Unlock()
	if s == nil {
		e.log.Debug("search: reply for unknown/finished search dropped", "searchRequestId", msg.SearchRequestID)
		return
	}

	switch msg.ServiceID {
	case wire.IndexerService:
		e.handleIndexerReply(s, msg)
	default:
		e.handleHubReply(s, msg)
	}

	e.processRequests(s)
}
