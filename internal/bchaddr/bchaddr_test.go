package bchaddr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/wire"
)

func testHash(seed byte) wire.Hash160 {
	var h wire.Hash160
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

func TestCashAddrRoundTrip(t *testing.T) {
	h := testHash(1)
	for _, typ := range []AddressType{PubKeyHash, ScriptHash} {
		addr := EncodeCashAddr("bitcoincash", typ, h)
		gotType, gotHash, err := DecodeCashAddr(addr, "bitcoincash")
		require.NoError(t, err)
		require.Equal(t, typ, gotType)
		require.Equal(t, h, gotHash)
	}
}

func TestCashAddrDecodeWithoutPrefix(t *testing.T) {
	h := testHash(2)
	addr := EncodeCashAddr("bitcoincash", PubKeyHash, h)
	bare := addr[len("bitcoincash:"):]

	typ, gotHash, err := DecodeCashAddr(bare, "bitcoincash")
	require.NoError(t, err)
	require.Equal(t, PubKeyHash, typ)
	require.Equal(t, h, gotHash)
}

func TestCashAddrRejectsBadChecksum(t *testing.T) {
	h := testHash(3)
	addr := EncodeCashAddr("bitcoincash", PubKeyHash, h)
	corrupt := []byte(addr)
	last := corrupt[len(corrupt)-1]
	if last == 'q' {
		corrupt[len(corrupt)-1] = 'p'
	} else {
		corrupt[len(corrupt)-1] = 'q'
	}

	_, _, err := DecodeCashAddr(string(corrupt), "bitcoincash")
	require.Error(t, err)
}

func TestLegacyBase58RoundTrip(t *testing.T) {
	h := testHash(4)
	for _, typ := range []AddressType{PubKeyHash, ScriptHash} {
		addr := EncodeLegacy(typ, h)
		gotType, gotHash, err := DecodeLegacy(addr)
		require.NoError(t, err)
		require.Equal(t, typ, gotType)
		require.Equal(t, h, gotHash)
	}
}

func TestLegacyBase58RejectsBadChecksum(t *testing.T) {
	h := testHash(5)
	addr := EncodeLegacy(PubKeyHash, h)
	corrupt := []byte(addr)
	corrupt[len(corrupt)-1]++

	_, _, err := DecodeLegacy(string(corrupt))
	require.Error(t, err)
}
