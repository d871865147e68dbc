package uodb

import (
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
)

// bucketEntry is one (cheapHash, leaf file position) pair within a bucket
// chain, newest first.
type bucketEntry struct {
	cheapHash uint64
	leafPos   int64
}

// encodeBucket writes a bucket record at file offset bucketOffset,
// containing entries (newest first). Each entry's leaf position is encoded
// with whichever of the four schemes produces the smallest varint, per
// §4.2: absolute position, delta from the 512 MiB anchor, delta from the
// previous entry in this same record, or delta from the bucket's own
// offset.
func encodeBucket(pool *bufpool.Pool, bucketOffset int64, entries []bucketEntry) bufpool.ConstBuffer {
	b := cmf.NewBuilder(pool)
	var prevPos int64 = -1
	for _, e := range entries {
		b.AddInt(Tag_CheapHash, int64(e.cheapHash))
		encodeLeafPos(b, prevPos, bucketOffset, e.leafPos)
		prevPos = e.leafPos
	}
	b.AddSeparator()
	return b.Commit()
}

// varintSize is sizeUvarint from cmf re-derived for candidate scoring; it
// does not need to match wire encoding exactly, only to rank candidates by
// size, so plain byte-length of the value's magnitude suffices.
func varintSize(v int64) int {
	if v < 0 {
		v = -v
	}
	n := 1
	u := uint64(v)
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

func encodeLeafPos(b *cmf.Builder, prevPos, bucketOffset, leafPos int64) {
	type candidate struct {
		tag  uint32
		val  int64
		size int
	}
	candidates := []candidate{
		{Tag_LeafPosition, leafPos, varintSize(leafPos)},
	}
	if bucketOffset > leafPos {
		rel := bucketOffset - leafPos
		candidates = append(candidates, candidate{Tag_LeafPosRelToBucket, rel, varintSize(rel)})
	}
	if leafPos >= anchor512MB {
		rel := leafPos - anchor512MB
		candidates = append(candidates, candidate{Tag_LeafPosOn512MB, rel, varintSize(rel)})
	}
	if prevPos >= 0 {
		delta := prevPos - leafPos
		candidates = append(candidates, candidate{Tag_LeafPosFromPrevLeaf, delta, varintSize(delta)})
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.size < best.size {
			best = c
		}
	}
	b.AddInt(best.tag, best.val)
}

// decodeBucket parses a bucket record starting at data[0], resolving every
// entry's encoded position back to an absolute file offset.
func decodeBucket(data []byte, bucketOffset int64) ([]bucketEntry, error) {
	var entries []bucketEntry
	p := cmf.NewParserBytes(data)
	var cheapHash uint64
	var havePrev bool
	var prevPos int64
	for {
		r := p.Next()
		if r == cmf.ParseError {
			return nil, errors.New("uodb: malformed bucket record")
		}
		if r == cmf.EndOfDocument {
			return nil, errors.New("uodb: truncated bucket record")
		}
		switch p.Tag() {
		case Tag_CheapHash:
			cheapHash = uint64(p.Int())
		case Tag_LeafPosition:
			pos := p.Int()
			entries = append(entries, bucketEntry{cheapHash, pos})
			prevPos, havePrev = pos, true
		case Tag_LeafPosRelToBucket:
			pos := bucketOffset - p.Int()
			entries = append(entries, bucketEntry{cheapHash, pos})
			prevPos, havePrev = pos, true
		case Tag_LeafPosOn512MB:
			pos := anchor512MB + p.Int()
			entries = append(entries, bucketEntry{cheapHash, pos})
			prevPos, havePrev = pos, true
		case Tag_LeafPosFromPrevLeaf:
			if !havePrev {
				return nil, errors.New("uodb: LeafPosFromPrevLeaf on first bucket entry")
			}
			pos := prevPos - p.Int()
			entries = append(entries, bucketEntry{cheapHash, pos})
			prevPos = pos
		case cmf.Separator:
			return entries, nil
		}
	}
}
