package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitIsolatesRegions(t *testing.T) {
	p := New(16)
	p.Append([]byte("hello"))
	first := p.Commit()
	p.Append([]byte("world"))
	second := p.Commit()

	require.Equal(t, "hello", string(first.Bytes()))
	require.Equal(t, "world", string(second.Bytes()))
}

func TestSliceSharesArena(t *testing.T) {
	p := New(16)
	p.Append([]byte("abcdef"))
	full := p.Commit()
	mid := full.Slice(2, 4)
	require.Equal(t, "cd", string(mid.Bytes()))
}

func TestReleaseCommittedBufferDoesNotPanic(t *testing.T) {
	p := New(16)
	p.Append([]byte("xyz"))
	cb := p.Commit()
	cb.Release()
	// no panic / no further assertions: the Pool still holds its own
	// reference, so this Release does not recycle the arena.
}
