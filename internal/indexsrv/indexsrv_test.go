package indexsrv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

func TestReadTxIDParsesPayload(t *testing.T) {
	var txid wire.Hash256
	for i := range txid {
		txid[i] = byte(i)
	}
	pool := bufpool.New(64)
	builder := cmf.NewBuilder(pool)
	builder.AddBytes(wire.Tag_TxId, txid[:])
	builder.AddSeparator()
	buf := builder.Commit()

	got, ok := readTxID(buf)
	require.True(t, ok)
	require.Equal(t, txid, got)
}

func TestReadTxIDAndOutIndex(t *testing.T) {
	var txid wire.Hash256
	txid[0] = 9
	pool := bufpool.New(64)
	builder := cmf.NewBuilder(pool)
	builder.AddBytes(wire.Tag_TxId, txid[:])
	builder.AddInt(wire.Tag_OutIndex, 5)
	builder.AddSeparator()
	buf := builder.Commit()

	got, outIndex, ok := readTxIDAndOutIndex(buf)
	require.True(t, ok)
	require.Equal(t, txid, got)
	require.Equal(t, 5, outIndex)
}

func TestReadAddressHashLeftPad(t *testing.T) {
	var hash20 [20]byte
	for i := range hash20 {
		hash20[i] = byte(i + 1)
	}
	var padded wire.Hash256
	copy(padded[wire.Hash256Size-20:], hash20[:])

	pool := bufpool.New(64)
	builder := cmf.NewBuilder(pool)
	builder.AddBytes(wire.Tag_TxId, padded[:])
	builder.AddSeparator()
	buf := builder.Commit()

	got, ok := readAddressHash(buf)
	require.True(t, ok)
	require.Equal(t, hash20, got)
}

func TestHandleWithNilDriversReturnsEmptyBody(t *testing.T) {
	s := NewServer(Drivers{}, nil)
	var txid wire.Hash256
	pool := bufpool.New(64)
	b := cmf.NewBuilder(pool)
	b.AddBytes(wire.Tag_TxId, txid[:])
	b.AddSeparator()
	body := b.Commit()

	reply, err := s.handle(wire.Message{
		ServiceID:       wire.IndexerService,
		MessageID:       wire.Indexer_FindTransaction,
		SearchRequestID: 1,
		JobRequestID:    2,
		Body:            body,
	})
	require.NoError(t, err)
	require.False(t, reply.Empty())
}

// TestHandleSaveCachesRepliesEvenWithNilDrivers covers the admin
// save-caches round trip: a control message, not a lookup, so it carries no
// SearchRequestId, yet handle must still produce a reply rather than error
// out when no drivers are configured.
func TestHandleSaveCachesRepliesEvenWithNilDrivers(t *testing.T) {
	s := NewServer(Drivers{}, nil)

	reply, err := s.handle(wire.Message{
		ServiceID: wire.IndexerService,
		MessageID: wire.Indexer_SaveCaches,
	})
	require.NoError(t, err)
	require.False(t, reply.Empty())
}
