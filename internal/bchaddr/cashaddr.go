// Package bchaddr encodes and decodes the two address formats a BCH node's
// RPC surface accepts and renders: CashAddr and legacy base58.
//
// CashAddr has no representative library anywhere in the retrieved example
// pack, being specific to Bitcoin Cash; the bech32-derived checksum below is
// implemented directly from the format's public definition rather than
// translated from any original_source file.
package bchaddr

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/wire"
)

// ErrInvalidCashAddr is returned for any malformed CashAddr string: wrong
// checksum, wrong payload length for its declared type, or characters
// outside the bech32 charset.
var ErrInvalidCashAddr = errors.New("bchaddr: invalid cashaddr")

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// AddressType distinguishes the two payload kinds CashAddr's version byte
// encodes; script hashes are 20 bytes wide exactly like pubkey hashes, only
// the type nibble differs.
type AddressType int

const (
	PubKeyHash AddressType = iota
	ScriptHash
)

// EncodeCashAddr renders a 20-byte hash as "prefix:payload", prefix
// conventionally "bitcoincash" on mainnet.
func EncodeCashAddr(prefix string, typ AddressType, hash wire.Hash160) string {
	versionByte := byte(typ) << 3 // size bits (0 = 160 bits) occupy the low 3 bits
	payload := append([]byte{versionByte}, hash[:]...)
	data5 := convertBits(payload, 8, 5, true)
	checksum := cashAddrChecksum(prefix, data5)
	combined := append(data5, checksum...)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, v := range combined {
		sb.WriteByte(charset[v])
	}
	return sb.String()
}

// DecodeCashAddr parses "prefix:payload" or a bare payload assumed to carry
// defaultPrefix, returning the payload's type and 20-byte hash.
func DecodeCashAddr(s, defaultPrefix string) (AddressType, wire.Hash160, error) {
	var zero wire.Hash160
	prefix := defaultPrefix
	payload := s
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		prefix = strings.ToLower(s[:i])
		payload = s[i+1:]
	}
	payload = strings.ToLower(payload)
	if payload == "" {
		return 0, zero, ErrInvalidCashAddr
	}

	data5 := make([]byte, len(payload))
	for i, c := range payload {
		idx := strings.IndexRune(charset, c)
		if idx < 0 {
			return 0, zero, ErrInvalidCashAddr
		}
		data5[i] = byte(idx)
	}
	if len(data5) < 8 || !verifyCashAddrChecksum(prefix, data5) {
		return 0, zero, ErrInvalidCashAddr
	}
	data5 = data5[:len(data5)-8]

	decoded, ok := convertBits8(data5)
	if !ok || len(decoded) == 0 {
		return 0, zero, ErrInvalidCashAddr
	}
	versionByte, body := decoded[0], decoded[1:]
	if len(body) != wire.Hash160Size {
		return 0, zero, ErrInvalidCashAddr
	}
	typ := AddressType((versionByte >> 3) & 0x0F)
	var h wire.Hash160
	copy(h[:], body)
	return typ, h, nil
}

// convertBits regroups a byte-packed bit stream from fromBits- into
// toBits-wide groups; encoding uses it to turn 8-bit payload bytes into
// 5-bit charset indices. With pad set, a final partial group is zero-padded
// and kept; without it, leftover bits are dropped unchecked. Decoding goes
// through convertBits8, which adds the zero-padding check.
func convertBits(data []byte, fromBits, toBits uint, pad bool) []byte {
	var acc uint32
	var bits uint
	maxv := uint32(1)<<toBits - 1
	var out []byte
	for _, v := range data {
		acc = (acc << fromBits) | uint32(v)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte((acc<<(toBits-bits))&maxv))
		}
	}
	return out
}

// convertBits8 is convertBits(data, 5, 8, false) plus the padding check
// CashAddr decoding requires: the leftover bits below a full byte must all
// be zero, or the payload was corrupted or truncated.
func convertBits8(data []byte) ([]byte, bool) {
	var acc uint32
	var bits uint
	var out []byte
	for _, v := range data {
		acc = (acc << 5) | uint32(v)
		bits += 5
		for bits >= 8 {
			bits -= 8
			out = append(out, byte((acc>>bits)&0xff))
		}
	}
	if bits >= 5 || (acc&((1<<bits)-1)) != 0 {
		return nil, false
	}
	return out, true
}

// cashAddrChecksum computes the 8 five-bit checksum groups for prefix+data,
// the BCH-specific polymod over prefix||0||data||00000000.
func cashAddrChecksum(prefix string, data []byte) []byte {
	values := cashAddrExpandPrefix(prefix)
	values = append(values, data...)
	values = append(values, make([]byte, 8)...)
	mod := polymod(values)

	checksum := make([]byte, 8)
	for i := range checksum {
		checksum[i] = byte((mod >> uint(5*(7-i))) & 0x1f)
	}
	return checksum
}

func verifyCashAddrChecksum(prefix string, data []byte) bool {
	values := cashAddrExpandPrefix(prefix)
	values = append(values, data...)
	return polymod(values) == 0
}

func cashAddrExpandPrefix(prefix string) []byte {
	out := make([]byte, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out[i] = prefix[i] & 0x1f
	}
	out[len(prefix)] = 0
	return out
}

// polymod is the CashAddr checksum's BCH(5-bit) polynomial, mirroring the
// generator published in the CashAddr specification.
func polymod(values []byte) uint64 {
	const mod uint64 = 0x07FFFFFFFF
	generator := [5]uint64{0x98f2bc8e61, 0x79b76d99e2, 0xf33e5fb3c4, 0xae2eabe2a8, 0x1e4f43e470}

	c := uint64(1)
	for _, v := range values {
		c0 := byte(c >> 35)
		c = ((c & mod) << 5) ^ uint64(v)
		for i := 0; i < 5; i++ {
			if (c0>>uint(i))&1 != 0 {
				c ^= generator[i]
			}
		}
	}
	return c ^ 1
}
