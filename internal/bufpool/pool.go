// Package bufpool implements a growing per-writer byte arena and
// reference-counted views into it, modeled on the zero-copy
// BufferPool/ConstBuffer pairing used throughout the wire and checkpoint
// codecs: a writer fills bytes into one arena, then hands out immutable
// slices of it that share the backing array instead of copying.
package bufpool

import "sync"

const defaultArenaSize = 4096

// arenaPool supplies New's backing arrays and takes an array back once its
// arena's reference count drops to zero. A live Pool keeps a reference to
// its own arena, so that arena's array is not returned while the Pool exists.
var arenaPool = sync.Pool{
	New: func() any { return make([]byte, 0, defaultArenaSize) },
}

type arena struct {
	buf  []byte
	refs int32 // guarded by atomic ops, see buffer.go
}

// Pool is a single growing write arena. It is not safe for concurrent use;
// each network goroutine or encoder owns one.
type Pool struct {
	a     *arena
	start int // offset where the pending (uncommitted) region begins
}

// New returns a Pool with an arena sized to hold at least reserve bytes
// without reallocating.
func New(reserve int) *Pool {
	buf := arenaPool.Get().([]byte)
	if cap(buf) < reserve {
		buf = make([]byte, 0, reserve)
	}
	return &Pool{a: &arena{buf: buf[:0], refs: 1}}
}

// grow ensures at least n more bytes of capacity exist past the current
// write position, reallocating and copying if necessary.
func (p *Pool) grow(n int) {
	need := len(p.a.buf) + n
	if cap(p.a.buf) >= need {
		return
	}
	newCap := cap(p.a.buf) * 2
	if newCap < need {
		newCap = need
	}
	nb := make([]byte, len(p.a.buf), newCap)
	copy(nb, p.a.buf)
	p.a.buf = nb
}

// Reserve returns a slice with at least n bytes of spare capacity at the
// current write position, for the caller to fill in place before calling
// MarkUsed.
func (p *Pool) Reserve(n int) []byte {
	p.grow(n)
	return p.a.buf[len(p.a.buf):cap(p.a.buf)]
}

// MarkUsed advances the write position by n bytes, which must already have
// been filled in the slice returned by the most recent Reserve.
func (p *Pool) MarkUsed(n int) {
	p.a.buf = p.a.buf[:len(p.a.buf)+n]
}

// Append writes data to the arena, growing it as needed.
func (p *Pool) Append(data []byte) {
	p.grow(len(data))
	n := len(p.a.buf)
	p.a.buf = p.a.buf[:n+len(data)]
	copy(p.a.buf[n:], data)
}

// Pending returns the bytes written since the last Commit.
func (p *Pool) Pending() []byte {
	return p.a.buf[p.start:]
}

// PendingLen is len(p.Pending()).
func (p *Pool) PendingLen() int {
	return len(p.a.buf) - p.start
}

// Commit seals the pending region into a ConstBuffer sharing the arena and
// starts a new pending region right after it.
func (p *Pool) Commit() ConstBuffer {
	cb := ConstBuffer{a: p.a, start: p.start, end: len(p.a.buf)}
	cb.a.addRef()
	p.start = len(p.a.buf)
	return cb
}
