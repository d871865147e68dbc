package cmf

import "github.com/pkg/errors"

// ValueType identifies the shape of the value following a tag.
type ValueType uint8

const (
	PositiveInt ValueType = 0 // varint-encoded, 1-10 bytes
	NegativeInt ValueType = 1 // varint-encoded magnitude, sign implied by the type
	String      ValueType = 2 // length-prefixed (PositiveInt) UTF-8 bytes
	ByteArray   ValueType = 3 // length-prefixed (PositiveInt) opaque bytes
	BoolTrue    ValueType = 4 // no following bytes
	BoolFalse   ValueType = 5 // no following bytes
	Double      ValueType = 6 // 8 bytes, little-endian IEEE754
)

// Separator is the tag id (0) that terminates a record, the same way EOF
// does. It carries no value; by convention it is written as (Separator,
// BoolTrue).
const Separator = 0

// smallTagLimit is the first tag id that does not get a single header byte:
// tags 0..30 fit in its 5 high bits, while 31 in those bits is the escape
// pattern, so tags at or above it use the escape encoding.
const smallTagLimit = 31

// escapeByte marks "the tag follows as a varint", used when tag >= smallTagLimit.
const escapeByte = 0xF8

var (
	ErrVarintTooLong = errors.New("cmf: varint exceeds 10 bytes")
	ErrTruncated     = errors.New("cmf: truncated record")
	ErrTagTooLarge   = errors.New("cmf: tag exceeds 32 bits")
)

// putTag writes the header byte(s) for (tag, type) into dst and returns the
// number of bytes written.
func putTag(dst []byte, tag uint32, typ ValueType) int {
	if tag < smallTagLimit {
		dst[0] = byte(tag<<3) | byte(typ)
		return 1
	}
	dst[0] = escapeByte | byte(typ)
	return 1 + putUvarint(dst[1:], uint64(tag))
}

func sizeTag(tag uint32) int {
	if tag < smallTagLimit {
		return 1
	}
	return 1 + sizeUvarint(uint64(tag))
}
