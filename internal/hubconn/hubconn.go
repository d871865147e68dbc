// Package hubconn is the Indexer-side counterpart to internal/search's
// Hub connection: a single reconnecting TCP link to the Hub's
// BlockChainService and BlockNotificationService, adapted from
// internal/search/conn.go's tcpConn for the indexer daemon's simpler needs
// (one outstanding GetBlock at a time, driven by indexerctl.Controller,
// rather than a job graph).
package hubconn

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/indexerctl"
	"github.com/flowee-go/hubindex/internal/wire"
)

const writeTimeout = 10 * time.Second

// sink is the subset of *indexerctl.Controller a Conn drives; accepting an
// interface keeps this package testable without a real Controller.
type sink interface {
	Deliver(msg *wire.Message) error
	SetTip(height int32)
	HubConnected()
}

var _ sink = (*indexerctl.Controller)(nil)
var _ indexerctl.Sender = (*Conn)(nil)

// Conn is a reconnecting TCP connection to the Hub, implementing
// indexerctl.Sender and feeding BlockChain_GetBlockReply and
// BlockNotification_NewBlockOnChain messages back into ctl.
type Conn struct {
	addr string
	ctl  sink
	log  logv3.Logger
	pool *bufpool.Pool

	mu   sync.Mutex
	conn net.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial starts a reconnecting connection to addr and registers it with ctl.
// The returned Conn is already running its read loop in the background;
// call Close to stop it.
func Dial(ctx context.Context, addr string, ctl sink, log logv3.Logger) *Conn {
	if log == nil {
		log = logv3.Root()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		addr:   addr,
		ctl:    ctl,
		log:    log,
		pool:   bufpool.New(4096),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(runCtx)
	return c
}

// SendGetBlock implements indexerctl.Sender.
func (c *Conn) SendGetBlock(height int32) error {
	b := wire.NewBuilder(c.pool, wire.BlockChainService, wire.BlockChain_GetBlock)
	b.Body().AddInt(wire.Tag_BlockHeight, int64(height))
	frame, err := b.Build()
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Conn) send(frame bufpool.ConstBuffer) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(frame.Bytes())
	return err
}

// Close stops the reconnect loop and releases the socket.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.log.Warn("hubconn: dial failed, retrying", "addr", c.addr, "err", err, "wait", wait)
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
		c.log.Info("hubconn: connected", "addr", c.addr)

		if err := c.subscribe(); err != nil {
			c.log.Warn("hubconn: subscribe failed", "err", err)
		}
		c.ctl.HubConnected()

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.log.Warn("hubconn: connection lost, reconnecting", "addr", c.addr)
	}
}

func (c *Conn) subscribe() error {
	b := wire.NewBuilder(c.pool, wire.BlockNotificationService, wire.BlockNotification_Subscribe)
	frame, err := b.Build()
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Conn) readLoop(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		msg, err := wire.ReadMessage(r)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("hubconn: read failed", "addr", c.addr, "err", err)
			}
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Conn) dispatch(msg *wire.Message) {
	switch {
	case msg.ServiceID == wire.BlockChainService && msg.MessageID == wire.BlockChain_GetBlockReply:
		if err := c.ctl.Deliver(msg); err != nil {
			c.log.Warn("hubconn: delivering block failed", "err", err)
		}
	case msg.ServiceID == wire.BlockNotificationService && msg.MessageID == wire.BlockNotification_NewBlockOnChain:
		height := readTipHeight(msg.Body)
		if height >= 0 {
			c.ctl.SetTip(height)
		}
	}
}

func readTipHeight(body bufpool.ConstBuffer) int32 {
	p := cmf.NewParser(body)
	height := int32(-1)
	for {
		r := p.Next()
		if r == cmf.EndOfDocument || r == cmf.ParseError {
			break
		}
		if p.Tag() == wire.Tag_BlockHeight {
			height = int32(p.Int())
		}
	}
	return height
}
