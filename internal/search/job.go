// Package search implements the job-graph executor that answers questions
// like "where does this transaction live" or "what does this address own"
// by fanning a Search's Jobs out over persistent connections to a Hub and
// one or more indexers, and feeding replies back in as new Jobs.
//
// Grounded on original_source/libs/apputils/Blockchain.{h,cpp}.
package search

import "github.com/flowee-go/hubindex/internal/wire"

// JobType mirrors Blockchain::JobType. The gap between LookupSpentTx and
// FetchTx, and again before CustomHubMessage, is kept from the source even
// though nothing here depends on the numeric values.
type JobType int

const (
	Unset JobType = iota
	LookupTxById
	LookupByAddress
	LookupSpentTx

	FetchTx JobType = iota + 12
	FetchBlockHeader
	FetchBlockOfTx
	FetchUTXOUnspent
	FetchUTXODetails
	FindTxInMempool
	FindAddressInMempool

	CustomHubMessage JobType = 100
)

func (t JobType) String() string {
	switch t {
	case Unset:
		return "Unset"
	case LookupTxById:
		return "LookupTxById"
	case LookupByAddress:
		return "LookupByAddress"
	case LookupSpentTx:
		return "LookupSpentTx"
	case FetchTx:
		return "FetchTx"
	case FetchBlockHeader:
		return "FetchBlockHeader"
	case FetchBlockOfTx:
		return "FetchBlockOfTx"
	case FetchUTXOUnspent:
		return "FetchUTXOUnspent"
	case FetchUTXODetails:
		return "FetchUTXODetails"
	case FindTxInMempool:
		return "FindTxInMempool"
	case FindAddressInMempool:
		return "FindAddressInMempool"
	case CustomHubMessage:
		return "CustomHubMessage"
	default:
		return "JobType(?)"
	}
}

// TransactionFilter bits select which fields a FetchTx-family job asks the
// Hub to fill in, matching BlockChainService's Include_* body tags.
type TransactionFilter uint32

const (
	IncludeOffsetInBlock TransactionFilter = 1 << iota
	IncludeInputs
	IncludeTxId
	IncludeFullTransactionData
	IncludeOutputs
	IncludeOutputAmounts
	IncludeOutputScripts
	IncludeOutputAddresses
	IncludeOutputScriptHash
	IncludeTxFees
)

// Job is one unit of work inside a Search's job slice. Jobs reference each
// other by index into that slice (NextJobID, NextJobID2); the slice is
// append-only so existing indices never move.
type Job struct {
	Type     JobType
	Started  bool
	Finished bool

	// NextJobID/NextJobID2 name jobs whose (Height, OffsetInBlock, OutIndex)
	// this job's reply should be written into, chaining a lookup into the
	// job it unblocks (LookupTxById -> FetchTx, for instance). -1 if unused.
	NextJobID  int32
	NextJobID2 int32

	Filters TransactionFilter

	IntData, IntData2, IntData3 int32
	Data                        []byte
}

func newJob(t JobType) Job {
	return Job{Type: t, NextJobID: -1, NextJobID2: -1, Filters: IncludeOffsetInBlock}
}

// NewJob creates a zero-value Job of the given type with NextJobID/
// NextJobID2 set to -1 (unused) rather than Go's zero value 0, which would
// otherwise alias job index 0. Callers outside this package (the REST
// façade building jobs for a fresh Search) must use this rather than a bare
// Job{} literal.
func NewJob(t JobType) Job {
	return newJob(t)
}

// Input is one transaction input, as reported by a FetchTx-family reply.
type Input struct {
	PrevTxID    wire.Hash256
	OutIndex    int
	InputScript []byte
}

// Output is one transaction output.
type Output struct {
	Amount  uint64
	Index   int
	Script  []byte
	Address []byte // 20-byte hash160, present only when the Hub resolved one
}

// TxRef kinds distinguish an input slot from an output slot when threading
// a FetchTx job's result back into the transaction that referenced it.
type TxRef int

const (
	RefInput TxRef = iota
	RefOutput
)

// TxRefKey packs (origAnswerIndex, kind, index) into one map key, mirroring
// Blockchain::Search::txRefKey.
func TxRefKey(origAnswerIndex int, ref TxRef, index int) uint64 {
	k := uint64(origAnswerIndex) << 32
	if ref == RefInput {
		k += 0x1000000
	}
	k += uint64(index)
	return k
}

// RefKeyForInput/RefKeyForOutput are the per-transaction half of the key
// TxRefKey packs: the slot a resolved Transaction.TxRefs entry is stored
// under, independent of which answer index it lives in.
func RefKeyForInput(i int) uint32  { return 0x1000000 + uint32(i) }
func RefKeyForOutput(i int) uint32 { return uint32(i) }

// Transaction is a resolved transaction, built from a FetchTx-family reply.
type Transaction struct {
	BlockHeight   int32
	OffsetInBlock int32
	JobID         int
	OutIndex      int
	Fees          int64

	FullTxData []byte
	TxID       wire.Hash256

	Inputs  []Input
	Outputs []Output

	// TxRefs maps RefKeyForInput(i)/RefKeyForOutput(i) to the answer-slice
	// index of the transaction on the other side of that input/output,
	// filled in as FetchTx jobs created via TxRefKey complete.
	TxRefs map[uint32]int
}

// IsCoinbase reuses the repo-wide coinbase rule (§13.1): an offset in
// (0,100) marks the coinbase transaction of its block.
func (t Transaction) IsCoinbase() bool { return wire.IsCoinbase(t.OffsetInBlock) }

// BlockHeader is a resolved FetchBlockHeader reply.
type BlockHeader struct {
	Hash          wire.Hash256
	MerkleRoot    wire.Hash256
	Height        int32
	Confirmations int32
	Version       uint32
	Time          uint32
	MedianTime    uint32
	Nonce         uint32
	Bits          uint32
	Difficulty    float64
}

// JobError records an APIService CommandFailed reply against the job that
// triggered it.
type JobError struct {
	ServiceID wire.ServiceID
	MessageID wire.MessageID
	Reason    string
}
