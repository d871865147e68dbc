package indexerctl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// fakeSender records every height it was asked for and, if told to, replies
// asynchronously through a Controller.
type fakeSender struct {
	mu       sync.Mutex
	requests []int32
	ctl      *Controller
	pool     *bufpool.Pool
	autoHash wire.Hash256
}

func (f *fakeSender) SendGetBlock(height int32) error {
	f.mu.Lock()
	f.requests = append(f.requests, height)
	f.mu.Unlock()

	go func() {
		b := cmf.NewBuilder(f.pool)
		b.AddInt(wire.Tag_BlockHeight, int64(height))
		b.AddBytes(wire.Tag_BlockHash, f.autoHash[:])
		b.AddSeparator()
		buf := b.Commit()
		_ = f.ctl.Deliver(&wire.Message{Body: buf})
	}()
	return nil
}

func (f *fakeSender) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestControllerServesSingleWaiter(t *testing.T) {
	sender := &fakeSender{pool: bufpool.New(256)}
	ctl := New(sender, 3, nil)
	sender.ctl = ctl

	blk, err := ctl.NextBlock(context.Background(), TxIndexerSlot, 10, time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 10, blk.Height)
	require.GreaterOrEqual(t, sender.requestCount(), 1)
}

// TestControllerRequestsLowestHeight covers the source's
// requestBlock(min(s_requestedHeights)) behavior: two drivers wanting
// different heights only ever cause one GetBlock for the smaller one at a
// time.
func TestControllerRequestsLowestHeight(t *testing.T) {
	sender := &fakeSender{pool: bufpool.New(256)}
	ctl := New(sender, 3, nil)
	sender.ctl = ctl

	var wg sync.WaitGroup
	var gotLow, gotHigh atomic.Bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		blk, err := ctl.NextBlock(context.Background(), TxIndexerSlot, 5, 2*time.Second)
		if err == nil && blk.Height == 5 {
			gotLow.Store(true)
		}
	}()
	go func() {
		defer wg.Done()
		blk, err := ctl.NextBlock(context.Background(), SpentIndexerSlot, 20, 2*time.Second)
		if err == nil && blk.Height == 20 {
			gotHigh.Store(true)
		}
	}()
	wg.Wait()
	require.True(t, gotLow.Load())
	require.True(t, gotHigh.Load())
}

func TestControllerNextBlockTimesOut(t *testing.T) {
	sender := &fakeSender{pool: bufpool.New(256)}
	ctl := New(sender, 1, nil)
	// no ctl.Deliver will ever be called: point sender at a different
	// controller so replies vanish and NextBlock must time out.
	sender.ctl = New(sender, 1, nil)

	_, err := ctl.NextBlock(context.Background(), 0, 1, 30*time.Millisecond)
	require.Error(t, err)
}

func TestControllerCloseWakesWaiters(t *testing.T) {
	sender := &fakeSender{pool: bufpool.New(256)}
	ctl := New(sender, 1, nil)
	sender.ctl = New(sender, 1, nil) // swallow replies

	done := make(chan error, 1)
	go func() {
		_, err := ctl.NextBlock(context.Background(), 0, 1, 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ctl.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("NextBlock did not wake up after Close")
	}
}

// TestCheckBlockArrivedResendsStaleRequest covers the fix for a request
// that never gets a reply: without this, a dropped GetBlockReply or a Hub
// reconnect mid-request would stall the waiting driver forever, since
// requestBlockLocked only sends when the wanted height differs from the
// one already outstanding.
func TestCheckBlockArrivedResendsStaleRequest(t *testing.T) {
	sender := &fakeSender{pool: bufpool.New(256)}
	ctl := New(sender, 1, nil)
	sender.ctl = New(sender, 1, nil) // swallow replies so the request stays outstanding
	defer ctl.Close()

	ctl.mu.Lock()
	token := ctl.tokens.Acquire(0, 5)
	ctl.requestBlockLocked()
	ctl.timeLastRequest = time.Now().Add(-2 * resendAfter)
	ctl.mu.Unlock()
	defer token.Release()

	before := sender.requestCount()
	ctl.CheckBlockArrived()
	require.Greater(t, sender.requestCount(), before)
}

func TestControllerCloseIsIdempotent(t *testing.T) {
	sender := &fakeSender{pool: bufpool.New(256)}
	ctl := New(sender, 1, nil)
	ctl.Close()
	require.NotPanics(t, func() { ctl.Close() })
}

func TestTokenSetMinAndActiveCount(t *testing.T) {
	ts := NewTokenSet(3)
	require.Equal(t, 0, ts.ActiveCount())

	t1 := ts.Acquire(0, 50)
	t2 := ts.Acquire(1, 10)
	require.Equal(t, 2, ts.ActiveCount())

	min, ok := ts.Min()
	require.True(t, ok)
	require.EqualValues(t, 10, min)

	t2.Release()
	min, ok = ts.Min()
	require.True(t, ok)
	require.EqualValues(t, 50, min)

	t1.Release()
	_, ok = ts.Min()
	require.False(t, ok)
}
