package wire

import "encoding/hex"

// Hash256Size and Hash160Size are the fixed widths used throughout
// HashStorage and the UODB.
const (
	Hash256Size = 32
	Hash160Size = 20
)

// Hash256 is a 256-bit hash (block id, txid), compared byte-for-byte.
type Hash256 [Hash256Size]byte

// Hash160 is a 160-bit hash (address ripemd160(sha256(pubkey))).
type Hash160 [Hash160Size]byte

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }
func (h Hash160) String() string { return hex.EncodeToString(h[:]) }

// ReadU32LE decodes a little-endian uint32 at the start of b. It exists so
// call sites never reach for a raw unsafe cast over jumptable bytes.
func ReadU32LE(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PutU32LE encodes v little-endian into b, which must have len(b) >= 4.
func PutU32LE(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// ReadU64LE decodes a little-endian uint64 at the start of b.
func ReadU64LE(b []byte) uint64 {
	_ = b[7]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// PutU64LE encodes v little-endian into b, which must have len(b) >= 8.
func PutU64LE(b []byte, v uint64) {
	_ = b[7]
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ReadHash256 copies a 32-byte hash out of b at offset 0.
func ReadHash256(b []byte) Hash256 {
	var h Hash256
	copy(h[:], b[:Hash256Size])
	return h
}

// ReadHash160 copies a 20-byte hash out of b at offset 0.
func ReadHash160(b []byte) Hash160 {
	var h Hash160
	copy(h[:], b[:Hash160Size])
	return h
}
