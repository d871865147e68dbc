package restapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bchaddr"
	"github.com/flowee-go/hubindex/internal/wire"
)

func TestRenderAmountPadsFraction(t *testing.T) {
	require.Equal(t, "0.00005000", renderAmount(5000))
	require.Equal(t, "1.00000000", renderAmount(satoshisPerBCH))
	require.Equal(t, "12.34500000", renderAmount(12*satoshisPerBCH+345*100000))
}

func TestDecodeAddressAcceptsBothForms(t *testing.T) {
	var h wire.Hash160
	for i := range h {
		h[i] = byte(i + 1)
	}
	cash := bchaddr.EncodeCashAddr("bitcoincash", bchaddr.PubKeyHash, h)
	legacy := bchaddr.EncodeLegacy(bchaddr.PubKeyHash, h)

	got, err := decodeAddress("bitcoincash", cash)
	require.NoError(t, err)
	require.Equal(t, h, got)

	got, err = decodeAddress("bitcoincash", legacy)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestParseTxIDRejectsWrongLength(t *testing.T) {
	_, err := parseTxID("deadbeef")
	require.ErrorIs(t, err, errBadTxID)
}
