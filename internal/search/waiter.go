package search

import (
	"context"
)

// Waiter lets an HTTP handler block on a Search it started without sharing
// any state with the network goroutine beyond a buffered channel: the
// handler's goroutine calls Wait, the network goroutine's Callbacks.Finished
// posts once and returns, and whichever side loses the race between ctx
// cancellation and Finished simply never touches the Search again.
//
// One Waiter answers exactly one Search. Grounded on §5's "HTTP handlers
// construct a Search and call SearchEngine.Start; callbacks fire on the
// network goroutine and post final rendering back to the HTTP handler via a
// buffered channel".
type Waiter struct {
	done chan struct{}
}

// NewWaiter creates a Waiter and wires its Done callback into cb's
// Finished, returning the Waiter; the caller builds the Search from cb and
// passes it to Engine.Start. Any Callbacks.Finished already set on cb is
// called first.
func NewWaiter(cb *Callbacks) *Waiter {
	w := &Waiter{done: make(chan struct{}, 1)}
	prev := cb.Finished
	cb.Finished = func(s *Search, unfinishedJobs int) {
		if prev != nil {
			prev(s, unfinishedJobs)
		}
		select {
		case w.done <- struct{}{}:
		default:
		}
	}
	return w
}

// Wait blocks until the Search finishes or ctx is done, whichever comes
// first. Returns ctx.Err() on timeout/cancellation, nil once the Search has
// finished (its Answer/BlockHeaders/Errors fields are then safe to read
// without further synchronization, since no more jobs will mutate them).
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
