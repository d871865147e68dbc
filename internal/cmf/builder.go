package cmf

import (
	"math"

	"github.com/flowee-go/hubindex/internal/bufpool"
)

// Builder appends tagged (tag, value) pairs to a bufpool.Pool, producing a
// zero-copy ConstBuffer once Commit is called.
type Builder struct {
	pool *bufpool.Pool
}

// NewBuilder wraps an existing arena pool. Reusing one Builder (and its
// Pool) across many small messages amortizes allocation, the same way the
// source's MessageBuilder is handed a long-lived BufferPool per network
// thread.
func NewBuilder(pool *bufpool.Pool) *Builder {
	return &Builder{pool: pool}
}

func (b *Builder) reserveTag(tag uint32, typ ValueType, extra int) []byte {
	dst := b.pool.Reserve(sizeTag(tag) + extra)
	n := putTag(dst, tag, typ)
	b.pool.MarkUsed(n)
	return dst[n:]
}

// AddUint writes a PositiveInt tagged value.
func (b *Builder) AddUint(tag uint32, v uint64) {
	dst := b.reserveTag(tag, PositiveInt, maxVarintLen)
	n := putUvarint(dst, v)
	b.pool.MarkUsed(n)
}

// AddInt writes a PositiveInt or NegativeInt tagged value depending on
// sign, matching the source's int32 encoding (magnitude varint, sign
// carried by the value type rather than two's complement).
func (b *Builder) AddInt(tag uint32, v int64) {
	typ := PositiveInt
	mag := uint64(v)
	if v < 0 {
		typ = NegativeInt
		mag = uint64(-v)
	}
	dst := b.reserveTag(tag, typ, maxVarintLen)
	n := putUvarint(dst, mag)
	b.pool.MarkUsed(n)
}

// AddBool writes a BoolTrue/BoolFalse tagged value (no payload bytes).
func (b *Builder) AddBool(tag uint32, v bool) {
	typ := BoolFalse
	if v {
		typ = BoolTrue
	}
	dst := b.pool.Reserve(sizeTag(tag))
	n := putTag(dst, tag, typ)
	b.pool.MarkUsed(n)
}

// AddDouble writes an 8-byte little-endian IEEE754 tagged value.
func (b *Builder) AddDouble(tag uint32, v float64) {
	dst := b.reserveTag(tag, Double, 8)
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		dst[i] = byte(bits >> (8 * i))
	}
	b.pool.MarkUsed(8)
}

// AddBytes writes a length-prefixed ByteArray tagged value.
func (b *Builder) AddBytes(tag uint32, data []byte) {
	dst := b.reserveTag(tag, ByteArray, maxVarintLen)
	n := putUvarint(dst, uint64(len(data)))
	b.pool.MarkUsed(n)
	b.pool.Append(data)
}

// AddString writes a length-prefixed String tagged value.
func (b *Builder) AddString(tag uint32, s string) {
	dst := b.reserveTag(tag, String, maxVarintLen)
	n := putUvarint(dst, uint64(len(s)))
	b.pool.MarkUsed(n)
	b.pool.Append([]byte(s))
}

// AddSeparator writes the record-terminating Separator tag.
func (b *Builder) AddSeparator() {
	b.AddBool(Separator, true)
}

// Commit seals everything written since the last Commit into a
// ConstBuffer.
func (b *Builder) Commit() bufpool.ConstBuffer {
	return b.pool.Commit()
}
