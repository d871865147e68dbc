package cmf

import (
	"math"

	"github.com/flowee-go/hubindex/internal/bufpool"
)

// ParseResult is the outcome of one Parser.Next call.
type ParseResult int

const (
	FoundTag ParseResult = iota
	EndOfDocument
	ParseError
)

// Parser walks a CMF-encoded record one (tag, value) pair at a time. Bytes
// returns a slice into the original buffer without copying; String copies
// the value into a new Go string.
type Parser struct {
	buf    bufpool.ConstBuffer
	data   []byte
	pos    int
	tag    uint32
	typ    ValueType
	intVal int64
	dbl    float64
	dstart int
	dlen   int
}

// NewParser creates a Parser over buf. The Parser does not take ownership
// of buf's arena reference; callers that want the arena kept alive for the
// lifetime of values returned by Bytes/String should hold their own
// reference (e.g. the ConstBuffer the parser was built from).
func NewParser(buf bufpool.ConstBuffer) *Parser {
	return &Parser{buf: buf, data: buf.Bytes()}
}

// NewParserBytes creates a Parser directly over a byte slice with no
// backing arena, for call sites (tests, mmap reads) that already own the
// slice's lifetime some other way.
func NewParserBytes(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the number of bytes consumed so far, i.e. the offset of the
// next unparsed byte. Useful for splitting a buffer into a header record
// and whatever follows it once a Separator is seen.
func (p *Parser) Pos() int { return p.pos }

// Tag returns the tag of the most recently parsed value.
func (p *Parser) Tag() uint32 { return p.tag }

// ValueType returns the type of the most recently parsed value.
func (p *Parser) ValueType() ValueType { return p.typ }

// Int returns the most recently parsed PositiveInt/NegativeInt value.
func (p *Parser) Int() int64 { return p.intVal }

// Uint returns the most recently parsed PositiveInt value as unsigned,
// for fields that are always non-negative by convention (row ids, sizes).
func (p *Parser) Uint() uint64 { return uint64(p.intVal) }

// Bool returns the most recently parsed BoolTrue/BoolFalse value.
func (p *Parser) Bool() bool { return p.typ == BoolTrue }

// Double returns the most recently parsed Double value.
func (p *Parser) Double() float64 { return p.dbl }

// Bytes returns the most recently parsed String/ByteArray value as a slice
// into the original buffer (no copy).
func (p *Parser) Bytes() []byte { return p.data[p.dstart : p.dstart+p.dlen] }

// String returns the most recently parsed String value.
func (p *Parser) String() string { return string(p.Bytes()) }

// Next advances to the next (tag, value) pair.
func (p *Parser) Next() ParseResult {
	if p.pos >= len(p.data) {
		return EndOfDocument
	}
	b := p.data[p.pos]
	p.typ = ValueType(b & 0x07)
	tag := uint32(b >> 3)
	p.pos++
	if tag == smallTagLimit {
		v, n, err := readUvarintFromBytes(p.data[p.pos:])
		if err != nil || v > math.MaxUint32 {
			return ParseError
		}
		p.pos += n
		tag = uint32(v)
	}
	p.tag = tag

	switch p.typ {
	case PositiveInt, NegativeInt:
		v, n, err := readUvarintFromBytes(p.data[p.pos:])
		if err != nil {
			return ParseError
		}
		p.pos += n
		if p.typ == NegativeInt {
			p.intVal = -int64(v)
		} else {
			p.intVal = int64(v)
		}
	case String, ByteArray:
		ln, n, err := readUvarintFromBytes(p.data[p.pos:])
		if err != nil {
			return ParseError
		}
		p.pos += n
		if p.pos+int(ln) > len(p.data) {
			return ParseError
		}
		p.dstart = p.pos
		p.dlen = int(ln)
		p.pos += int(ln)
	case BoolTrue, BoolFalse:
		// no payload
	case Double:
		if p.pos+8 > len(p.data) {
			return ParseError
		}
		var bits uint64
		for i := 0; i < 8; i++ {
			bits |= uint64(p.data[p.pos+i]) << (8 * i)
		}
		p.dbl = math.Float64frombits(bits)
		p.pos += 8
	default:
		return ParseError
	}
	return FoundTag
}

// Skip advances past every remaining (tag, value) pair up to and including
// the next Separator, or to EndOfDocument. It is used to resynchronize
// after an unrecognized tag in a forward-compatible record.
func (p *Parser) Skip() {
	for {
		r := p.Next()
		if r != FoundTag {
			return
		}
		if p.tag == Separator {
			return
		}
	}
}
