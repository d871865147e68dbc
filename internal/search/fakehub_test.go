package search

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// buildGetBlockReply encodes a multi-tx reply the shape a BlockChain_GetBlock
// or LiveTx_SearchMempool reply takes: one leading BlockHeight, then each tx
// Separator-delimited, each output's fields grouped by a leading
// Tx_Out_Amount.
func buildGetBlockReply(pool *bufpool.Pool, height int32, txs [][2]wire.Hash256) bufpool.ConstBuffer {
	b := cmf.NewBuilder(pool)
	b.AddInt(wire.Tag_BlockHeight, int64(height))
	for i, pair := range txs {
		txid, outAddr := pair[0], pair[1]
		b.AddInt(wire.Tag_Tx_OffsetInBlock, int64(i+1))
		b.AddBytes(wire.Tag_TxId, txid[:])
		b.AddInt(wire.Tag_Tx_Out_Amount, 5000)
		b.AddInt(wire.Tag_Tx_Out_Index, 0)
		b.AddBytes(wire.Tag_Tx_Out_Address, outAddr[:20])
		b.AddInt(wire.Tag_Tx_Out_Amount, 1000)
		b.AddInt(wire.Tag_Tx_Out_Index, 1)
		b.AddSeparator()
	}
	return b.Commit()
}

func TestAddTransactionsParsesMultiTxMultiOutputBody(t *testing.T) {
	pool := bufpool.New(4096)
	tx1, tx2 := hash(1), hash(2)
	body := buildGetBlockReply(pool, 42, [][2]wire.Hash256{
		{tx1, hash(0xA1)},
		{tx2, hash(0xA2)},
	})

	e := NewEngine(0, nil)
	var added []Transaction
	s := NewSearch(Callbacks{
		TransactionAdded: func(s *Search, tx *Transaction, answerIndex int) {
			added = append(added, *tx)
		},
	})

	e.addTransactions(s, body, 3)

	require.Len(t, added, 2)
	require.Equal(t, tx1, added[0].TxID)
	require.EqualValues(t, 42, added[0].BlockHeight)
	require.EqualValues(t, 1, added[0].OffsetInBlock)
	require.Len(t, added[0].Outputs, 2)
	require.EqualValues(t, 5000, added[0].Outputs[0].Amount)
	require.EqualValues(t, 0, added[0].Outputs[0].Index)
	require.EqualValues(t, 1000, added[0].Outputs[1].Amount)

	require.Equal(t, tx2, added[1].TxID)
	require.EqualValues(t, 2, added[1].OffsetInBlock)

	require.Len(t, s.Answer, 2)
	require.Equal(t, 3, s.Answer[0].JobID)
}

func TestAddTransactionsEmptyBodyAddsNothing(t *testing.T) {
	pool := bufpool.New(64)
	b := cmf.NewBuilder(pool)
	b.AddInt(wire.Tag_BlockHeight, 7)
	body := b.Commit()

	e := NewEngine(0, nil)
	s := NewSearch(Callbacks{})
	e.addTransactions(s, body, 0)

	require.Empty(t, s.Answer)
}

func TestRecordBlockHeaderParsesAllFields(t *testing.T) {
	pool := bufpool.New(256)
	blockHash := hash(9)
	merkle := hash(10)
	b := cmf.NewBuilder(pool)
	b.AddInt(wire.Tag_BlockHeight, 100)
	b.AddBytes(wire.Tag_BlockHash, blockHash[:])
	b.AddBytes(wire.Tag_Header_MerkleRoot, merkle[:])
	b.AddInt(wire.Tag_Header_Confirmations, 12)
	b.AddInt(wire.Tag_Header_Version, 4)
	b.AddInt(wire.Tag_Header_Time, 1700000000)
	b.AddInt(wire.Tag_Header_Bits, 0x1d00ffff)
	b.AddDouble(wire.Tag_Header_Difficulty, 123.5)
	body := b.Commit()

	e := NewEngine(0, nil)
	s := NewSearch(Callbacks{})
	e.recordBlockHeader(s, body)

	h, ok := s.BlockHeaders[100]
	require.True(t, ok)
	require.Equal(t, blockHash, h.Hash)
	require.Equal(t, merkle, h.MerkleRoot)
	require.EqualValues(t, 12, h.Confirmations)
	require.InDelta(t, 123.5, h.Difficulty, 0.0001)
}
