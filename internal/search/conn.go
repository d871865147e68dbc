package search

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logv3 "github.com/erigontech/erigon-lib/log/v3"
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/wire"
)

// errSocketDown is returned by Send between reconnect attempts; it is not a
// ServiceUnavailableError since the connection is registered and may well
// recover - only Engine.sendMessage, which knows whether any connection at
// all backs a service, decides whether a whole Search should abort.
var errSocketDown = errors.New("search: connection down, reconnecting")

// writeTimeout bounds how long one Send may block on a stalled socket,
// mirroring the source's per-write socket timeout on the Hub/indexer
// connections.
const writeTimeout = 10 * time.Second

// tcpConn is a Conn backed by a single persistent TCP connection, reconnecting
// with backoff on failure. It is the network half the original's
// NetworkConnection handled with Qt signals; here a dedicated goroutine reads
// frames and hands each to engine.Dispatch, while Send writes directly to the
// live socket under a mutex.
type tcpConn struct {
	addr     string
	services map[wire.Service]bool
	engine   *Engine
	log      logv3.Logger

	mu   sync.Mutex
	conn net.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// DialService starts a reconnecting connection to addr, advertising it as
// backing services, and registers it with engine. The returned tcpConn is
// already running its read loop in the background; call Close to stop it.
func DialService(ctx context.Context, engine *Engine, addr string, services ...wire.Service) *tcpConn {
	set := make(map[wire.Service]bool, len(services))
	for _, s := range services {
		set[s] = true
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &tcpConn{
		addr:     addr,
		services: set,
		engine:   engine,
		log:      engine.log,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	engine.AddConnection(c)
	go c.run(runCtx)
	return c
}

func (c *tcpConn) Services() map[wire.Service]bool { return c.services }

// Send writes one framed message to the live socket. Returns an error (not
// wrapped as ServiceUnavailableError - that's Engine.sendMessage's job when
// no connection backs a service at all) if the socket is currently down
// between reconnect attempts.
func (c *tcpConn) Send(msg bufpool.ConstBuffer) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errSocketDown
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(msg.Bytes())
	return err
}

// Close stops the reconnect loop and drops the connection from engine.
func (c *tcpConn) Close() error {
	c.cancel()
	<-c.done
	c.engine.RemoveConnection(c)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run dials addr, reads frames until the connection drops or ctx is
// cancelled, then retries with exponential backoff, mirroring the
// reconnect-on-drop behavior the original's QTcpSocket-based
// NetworkConnection gave every Hub/indexer link for free.
func (c *tcpConn) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; Close cancels ctx to stop

	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.log.Warn("search: dial failed, retrying", "addr", c.addr, "err", err, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info("search: connected", "addr", c.addr)

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.log.Warn("search: connection lost, reconnecting", "addr", c.addr)
	}
}

// readLoop decodes frames off conn until it errors or ctx is cancelled,
// handing each decoded Message to the engine's dispatch table.
func (c *tcpConn) readLoop(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		msg, err := wire.ReadMessage(r)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("search: read failed", "addr", c.addr, "err", err)
			}
			return
		}
		c.engine.Dispatch(&msg)
	}
}
