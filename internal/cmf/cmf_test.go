package cmf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7F, 0x80, 0xFF, 0x3FFF, 0x4000, 1 << 32, 1<<64 - 1}
	for _, v := range values {
		var dst [maxVarintLen]byte
		n := putUvarint(dst[:], v)
		require.Equal(t, sizeUvarint(v), n)
		got, consumed, err := readUvarintFromBytes(dst[:n])
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		require.Equal(t, v, got)
	}
}

func TestBuilderParserRoundTrip(t *testing.T) {
	pool := bufpool.New(256)
	b := NewBuilder(pool)
	b.AddUint(1, 42)
	b.AddInt(2, -7)
	b.AddString(3, "hello")
	b.AddBytes(4, []byte{1, 2, 3})
	b.AddBool(5, true)
	b.AddBool(6, false)
	b.AddDouble(7, 3.5)
	b.AddSeparator()
	buf := b.Commit()

	p := NewParser(buf)

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 1, p.Tag())
	require.Equal(t, PositiveInt, p.ValueType())
	require.EqualValues(t, 42, p.Int())

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 2, p.Tag())
	require.EqualValues(t, -7, p.Int())

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 3, p.Tag())
	require.Equal(t, "hello", p.String())

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 4, p.Tag())
	require.Equal(t, []byte{1, 2, 3}, p.Bytes())

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 5, p.Tag())
	require.True(t, p.Bool())

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 6, p.Tag())
	require.False(t, p.Bool())

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 7, p.Tag())
	require.InDelta(t, 3.5, p.Double(), 1e-9)

	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, Separator, p.Tag())

	require.Equal(t, EndOfDocument, p.Next())
}

func TestLargeTagEscape(t *testing.T) {
	pool := bufpool.New(64)
	b := NewBuilder(pool)
	b.AddUint(500, 1)
	buf := b.Commit()
	p := NewParser(buf)
	require.Equal(t, FoundTag, p.Next())
	require.EqualValues(t, 500, p.Tag())
}
