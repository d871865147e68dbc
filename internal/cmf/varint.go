// Package cmf implements the tagged binary message format shared by the
// RPC wire envelope and the on-disk checkpoint files: a sequence of
// (tag, value) pairs terminated by a Separator tag or end of input.
package cmf

import "io"

// maxVarintLen bounds the encoded length of a uint64 varint under this
// format: 10 groups of 7 bits cover the full 64-bit range.
const maxVarintLen = 10

// putUvarint encodes v using the continuation-bit big-endian scheme with a
// +1 carry on every continued byte, writing into dst and returning the
// number of bytes used. dst must have room for maxVarintLen bytes.
//
// Each emitted byte holds 7 bits of payload; all but the last byte (the
// first one written, since the encoding is built least-significant-group
// first then reversed) have their high bit set to mark "more bytes
// follow". The +1 carry on the shifted-out remainder is what makes every
// value's encoding unique and, combined with the high bit, self-delimiting.
func putUvarint(dst []byte, v uint64) int {
	var tmp [maxVarintLen]byte
	n := 0
	for {
		b := byte(v & 0x7F)
		if n != 0 {
			b |= 0x80
		}
		tmp[n] = b
		if v <= 0x7F {
			break
		}
		v = (v >> 7) - 1
		n++
	}
	n++
	for i := 0; i < n; i++ {
		dst[i] = tmp[n-1-i]
	}
	return n
}

// sizeUvarint returns the number of bytes putUvarint would emit for v.
func sizeUvarint(v uint64) int {
	n := 1
	for v > 0x7F {
		v = (v >> 7) - 1
		n++
	}
	return n
}

// readUvarint decodes a varint from r, mirroring putUvarint's carry rule.
func readUvarint(r io.ByteReader) (uint64, error) {
	var result uint64
	for i := 0; i < maxVarintLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result = (result << 7) | uint64(b&0x7F)
		if b&0x80 != 0 {
			result++
		} else {
			return result, nil
		}
	}
	return 0, ErrVarintTooLong
}

// readUvarintFromBytes is the byte-slice counterpart of readUvarint, used
// by the parser which holds a zero-copy ConstBuffer rather than a Reader.
// It returns the decoded value and the number of bytes consumed.
func readUvarintFromBytes(b []byte) (uint64, int, error) {
	var result uint64
	for i := 0; i < maxVarintLen && i < len(b); i++ {
		c := b[i]
		result = (result << 7) | uint64(c&0x7F)
		if c&0x80 != 0 {
			result++
		} else {
			return result, i + 1, nil
		}
	}
	return 0, 0, ErrVarintTooLong
}
