package bchaddr

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/wire"
)

// ErrInvalidBase58Addr covers both a bad base58check checksum and a payload
// of the wrong length for a P2PKH/P2SH version byte.
var ErrInvalidBase58Addr = errors.New("bchaddr: invalid base58 address")

// legacy version bytes, mainnet.
const (
	versionP2PKH = 0x00
	versionP2SH  = 0x05
)

// EncodeLegacy renders a 20-byte hash as a base58check P2PKH/P2SH address.
func EncodeLegacy(typ AddressType, hash wire.Hash160) string {
	version := byte(versionP2PKH)
	if typ == ScriptHash {
		version = versionP2SH
	}
	payload := append([]byte{version}, hash[:]...)
	checksum := doubleSHA256(payload)[:4]
	return base58.Encode(append(payload, checksum...))
}

// DecodeLegacy parses a base58check P2PKH/P2SH address.
func DecodeLegacy(s string) (AddressType, wire.Hash160, error) {
	var zero wire.Hash160
	raw, err := base58.Decode(s)
	if err != nil {
		return 0, zero, errors.Wrap(ErrInvalidBase58Addr, err.Error())
	}
	if len(raw) != 1+wire.Hash160Size+4 {
		return 0, zero, ErrInvalidBase58Addr
	}
	payload, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	want := doubleSHA256(payload)[:4]
	for i := range checksum {
		if checksum[i] != want[i] {
			return 0, zero, ErrInvalidBase58Addr
		}
	}

	var typ AddressType
	switch payload[0] {
	case versionP2PKH:
		typ = PubKeyHash
	case versionP2SH:
		typ = ScriptHash
	default:
		return 0, zero, ErrInvalidBase58Addr
	}
	var h wire.Hash160
	copy(h[:], payload[1:])
	return typ, h, nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
