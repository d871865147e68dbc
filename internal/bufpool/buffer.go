package bufpool

import "sync/atomic"

func (a *arena) addRef() {
	atomic.AddInt32(&a.refs, 1)
}

func (a *arena) release() {
	if atomic.AddInt32(&a.refs, -1) == 0 {
		arenaPool.Put(a.buf[:0])
	}
}

// ConstBuffer is an immutable, reference-counted view into an arena. Slices
// derived from it (via Slice) share the same backing array and keep the
// arena alive until every derived slice has been released.
type ConstBuffer struct {
	a     *arena
	start int
	end   int
}

// Empty reports a zero-length buffer not yet bound to an arena.
func (c ConstBuffer) Empty() bool { return c.a == nil || c.start == c.end }

// Size returns the number of bytes in the view.
func (c ConstBuffer) Size() int { return c.end - c.start }

// Bytes returns the underlying bytes. The caller must not mutate them.
func (c ConstBuffer) Bytes() []byte {
	if c.a == nil {
		return nil
	}
	return c.a.buf[c.start:c.end]
}

// Slice returns a view over [from, to) relative to this buffer, sharing the
// same arena and taking out its own reference.
func (c ConstBuffer) Slice(from, to int) ConstBuffer {
	if from < 0 || to > c.Size() || from > to {
		panic("bufpool: slice out of range")
	}
	if c.a != nil {
		c.a.addRef()
	}
	return ConstBuffer{a: c.a, start: c.start + from, end: c.start + to}
}

// Release drops this view's reference to the arena; when an arena's count
// reaches zero its backing array goes back to arenaPool for reuse. A Pool
// holds its own reference to its arena for as long as the Pool exists and
// never drops it, so releasing views committed from a Pool does not recycle
// that Pool's backing array. Release is optional: letting a
// ConstBuffer be garbage collected without releasing it merely forgoes
// early arena reuse, it never leaks memory, since the arena itself is
// ordinary Go-GC'd memory once all references (recycled or not) are gone.
func (c ConstBuffer) Release() {
	if c.a != nil {
		c.a.release()
	}
}

// FromBytes wraps an existing byte slice as a ConstBuffer with no arena to
// release, for call sites that receive bytes from outside the pool (e.g.
// a freshly read mmap region or a decoded file).
func FromBytes(b []byte) ConstBuffer {
	// The extra reference is never dropped, so releasing the result (or any
	// slice of it) never hands b to arenaPool.
	return ConstBuffer{a: &arena{buf: b, refs: 2}, start: 0, end: len(b)}
}
