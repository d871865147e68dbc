// Package indexerctl drives the block pump shared by the three indexer
// goroutines (tx, spent-output, address) against a single Hub connection
// that serves one block at a time, grounded on
// original_source/indexer/Indexer.cpp's Token/requestBlock/nextBlock model.
package indexerctl

import (
	"sync"

	"github.com/google/btree"
)

// heightToken is one indexer's currently-requested height, ordered by
// height first so TokenSet.Min returns the lowest requested height in
// O(log n); slot breaks ties so two indexers requesting the same height
// both get their own tree entry (spec.md's s_requestedHeights is a plain
// fixed vector, not a set).
type heightToken struct {
	height int32
	slot   int
}

func lessToken(a, b heightToken) bool {
	if a.height != b.height {
		return a.height < b.height
	}
	return a.slot < b.slot
}

// TokenSet is the controller's fixed-size vector of "heights currently
// requested by some indexer", replacing the source's
// std::array<std::atomic<int>, N> s_requestedHeights with an ordered set
// that answers Min() without a linear scan.
type TokenSet struct {
	mu     sync.Mutex
	slots  []int32 // RequestedHeight or -1, indexed by slot
	tree   *btree.BTreeG[heightToken]
}

// NewTokenSet creates a TokenSet with room for maxIndexers concurrent
// requesters (spec.md's default of 3).
func NewTokenSet(maxIndexers int) *TokenSet {
	slots := make([]int32, maxIndexers)
	for i := range slots {
		slots[i] = -1
	}
	return &TokenSet{slots: slots, tree: btree.NewG(32, lessToken)}
}

// Token is a transient reservation of one slot, released via defer at the
// end of Controller.NextBlock, mirroring the source's RAII Token type.
type Token struct {
	set  *TokenSet
	slot int
}

// Acquire reserves slot's entry at height. Acquire must be called with a
// distinct slot per concurrent caller (the indexer drivers each own one
// slot for their lifetime).
func (s *TokenSet) Acquire(slot int, height int32) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = height
	s.tree.ReplaceOrInsert(heightToken{height: height, slot: slot})
	return &Token{set: s, slot: slot}
}

// Release clears the slot's reservation.
func (t *Token) Release() {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	h := t.set.slots[t.slot]
	t.set.slots[t.slot] = -1
	t.set.tree.Delete(heightToken{height: h, slot: t.slot})
}

// ActiveCount reports how many slots currently hold a reservation.
func (s *TokenSet) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.slots {
		if h != -1 {
			n++
		}
	}
	return n
}

// Min returns the lowest currently-requested height and whether any slot
// is reserved at all.
func (s *TokenSet) Min() (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var min heightToken
	found := false
	s.tree.Ascend(func(item heightToken) bool {
		min = item
		found = true
		return false
	})
	return min.height, found
}
