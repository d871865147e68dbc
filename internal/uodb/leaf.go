package uodb

import (
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// leaf is one UODB value: the (height, offsetInBlock) a key was last
// written with, plus the key itself so a bucket walk can verify a
// shorthash match against the real txid.
type leaf struct {
	txid        wire.Hash256
	outIndex    int32
	blockHeight int32
	offset      int32
}

// encodeLeaf writes a leaf record. The teacher's on-disk format supports a
// 24-byte truncated txid reconstructed from the bucket's cheapHash tag;
// this repository always writes the full 32 bytes instead (see DESIGN.md)
// since nothing in this spec's cheap-hash function commits to a specific
// byte range of the txid the way that optimization requires.
func encodeLeaf(pool *bufpool.Pool, l leaf) bufpool.ConstBuffer {
	b := cmf.NewBuilder(pool)
	b.AddBytes(Tag_TXID, l.txid[:])
	if l.outIndex != 0 {
		b.AddInt(Tag_OutIndex, int64(l.outIndex))
	}
	b.AddInt(Tag_BlockHeight, int64(l.blockHeight))
	b.AddInt(Tag_OffsetInBlock, int64(l.offset))
	b.AddSeparator()
	return b.Commit()
}

// decodeLeaf parses a leaf record starting at data[0].
func decodeLeaf(data []byte) (leaf, error) {
	var l leaf
	p := cmf.NewParserBytes(data)
	for {
		r := p.Next()
		if r == cmf.ParseError {
			return leaf{}, errors.New("uodb: malformed leaf record")
		}
		if r == cmf.EndOfDocument {
			return leaf{}, errors.New("uodb: truncated leaf record")
		}
		switch p.Tag() {
		case Tag_TXID:
			copy(l.txid[:], p.Bytes())
		case Tag_OutIndex:
			l.outIndex = int32(p.Int())
		case Tag_BlockHeight:
			l.blockHeight = int32(p.Int())
		case Tag_OffsetInBlock:
			l.offset = int32(p.Int())
		case cmf.Separator:
			return l, nil
		}
	}
}
