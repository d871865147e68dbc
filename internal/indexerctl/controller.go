package indexerctl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logv3 "github.com/erigontech/erigon-lib/log/v3"
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// ErrClosed is returned by NextBlock once the Controller has been shut down.
var ErrClosed = errors.New("indexerctl: controller closed")

// resendAfter mirrors Indexer.cpp's 20-second no-reply resend threshold.
const resendAfter = 20 * time.Second

// Block is one fetched block, decoded just enough for the three indexer
// drivers to each pull what they need out of the same body bytes.
type Block struct {
	Height int32
	Hash   wire.Hash256
	Body   bufpool.ConstBuffer
}

// Sender is the minimum the Controller needs from the Hub connection: one
// outgoing GetBlock request per requested height.
type Sender interface {
	SendGetBlock(height int32) error
}

// Controller is the single point of contact with the Hub's BlockChainService
// on behalf of every indexer driver sharing this process, grounded on
// original_source/indexer/Indexer.{h,cpp}'s Token/nextBlock/requestBlock/
// checkBlockArrived model: at most one GetBlock is ever in flight, it always
// asks for the lowest height any driver currently wants, and a driver that
// already has the block it wants is answered from cache without touching
// the wire at all.
type Controller struct {
	log    logv3.Logger
	sender Sender
	tokens *TokenSet

	mu                 sync.Mutex
	wake               chan struct{} // closed and replaced on every state change a waiter might care about
	closed             bool
	lastRequestedBlock int32
	timeLastRequest    time.Time
	cached             *Block

	tip  atomic.Int32 // highest height the BlockNotificationService has announced, or -1
	stop chan struct{}
}

// New creates a Controller willing to serve up to maxIndexers concurrent
// drivers (one slot each) over sender. It starts a background goroutine
// polling CheckBlockArrived every resendAfter, mirroring Indexer.cpp's own
// periodic timer, so a dropped GetBlock reply or a Hub reconnect mid-request
// doesn't stall a driver forever; Close stops it.
func New(sender Sender, maxIndexers int, log logv3.Logger) *Controller {
	if log == nil {
		log = logv3.Root()
	}
	c := &Controller{
		log:                log,
		sender:             sender,
		tokens:             NewTokenSet(maxIndexers),
		lastRequestedBlock: -1,
		wake:               make(chan struct{}),
		stop:               make(chan struct{}),
	}
	c.tip.Store(-1)
	go c.resendLoop()
	return c
}

// resendLoop calls CheckBlockArrived on a resendAfter cadence until Close
// stops it.
func (c *Controller) resendLoop() {
	ticker := time.NewTicker(resendAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CheckBlockArrived()
		case <-c.stop:
			return
		}
	}
}

// SetTip records the highest chain height known to the process, fed by the
// BlockNotificationService subscription (§4.1). Indexer drivers use this to
// decide when to call SaveCaches after catching up, mirroring the source's
// "blockHeight == tipOfChain" check in each driver's run loop.
func (c *Controller) SetTip(height int32) {
	c.tip.Store(height)
}

// Tip returns the last height recorded by SetTip, or -1 if none yet.
func (c *Controller) Tip() int32 {
	return c.tip.Load()
}

// broadcastLocked wakes every goroutine currently blocked on a wake channel
// snapshot, replacing it so future waiters get a fresh one. Must be called
// with mu held.
func (c *Controller) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// HubConnected mirrors Indexer::hubConnected: as soon as the link comes up,
// kick off a request for whatever height is currently wanted, if any.
func (c *Controller) HubConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestBlockLocked()
}

// requestBlockLocked sends GetBlock(min(requested heights)) unless that
// height is already the one outstanding, mirroring Indexer::requestBlock.
func (c *Controller) requestBlockLocked() {
	height, ok := c.tokens.Min()
	if !ok {
		return
	}
	if height == c.lastRequestedBlock {
		return
	}
	if err := c.sender.SendGetBlock(height); err != nil {
		c.log.Warn("indexerctl: sending GetBlock failed", "height", height, "err", err)
		return
	}
	c.lastRequestedBlock = height
	c.timeLastRequest = time.Now()
}

// CheckBlockArrived mirrors Indexer::checkBlockArrived: called periodically
// (the source uses a 2-minute polling timer) to resend a request that has
// gone unanswered for more than resendAfter.
func (c *Controller) CheckBlockArrived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRequestedBlock < 0 {
		return
	}
	if time.Since(c.timeLastRequest) > resendAfter {
		c.log.Debug("indexerctl: resending GetBlock", "height", c.lastRequestedBlock)
		c.lastRequestedBlock = -1
		c.requestBlockLocked()
	}
}

// Deliver feeds a BlockChain_GetBlockReply into the controller, parsing just
// the envelope (height, hash) and keeping the body for drivers to decode.
// Mirrors Indexer::hubSentMessage's GetBlockReply branch.
func (c *Controller) Deliver(msg *wire.Message) error {
	p := cmf.NewParser(msg.Body)
	blk := Block{Body: msg.Body}
	for {
		r := p.Next()
		if r == cmf.EndOfDocument || r == cmf.ParseError {
			break
		}
		switch p.Tag() {
		case wire.Tag_BlockHeight:
			blk.Height = int32(p.Int())
		case wire.Tag_BlockHash:
			copy(blk.Hash[:], p.Bytes())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if blk.Height != c.lastRequestedBlock {
		c.log.Debug("indexerctl: ignoring reply for unrequested height", "got", blk.Height, "want", c.lastRequestedBlock)
		return nil
	}
	c.cached = &blk
	c.broadcastLocked()
	return nil
}

// NextBlock blocks until height is available, returning its Block, or until
// ctx is done or timeout elapses. Every caller must use a distinct slot
// (one per indexer driver for the process's lifetime).
func (c *Controller) NextBlock(ctx context.Context, slot int, height int32, timeout time.Duration) (*Block, error) {
	token := c.tokens.Acquire(slot, height)
	defer token.Release()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.cached != nil && c.cached.Height == height {
			blk := c.cached
			c.mu.Unlock()
			return blk, nil
		}
		c.requestBlockLocked()
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, context.DeadlineExceeded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes every blocked NextBlock call with ErrClosed and stops the
// resend-polling goroutine.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.broadcastLocked()
	c.mu.Unlock()
	close(c.stop)
}
