package search

import (
	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// addTransactions decodes one or more tx records out of body and appends
// each to s.Answer, firing TransactionAdded and resolving any pending
// TxRefs per transaction. Grounded on the GetBlockReply/SearchMempoolReply
// handling in parseMessageFromHub: a single message can carry many
// Separator-delimited tx records sharing one leading BlockHeight tag, the
// same shape TxIndexer.Run and SpentOutputIndexer.Run parse out of a block
// body.
func (e *Engine) addTransactions(s *Search, body bufpool.ConstBuffer, jobID int) {
	p := cmf.NewParser(body)
	var blockHeight int32 = -1
	tx := newTxRecord()
	haveAny := false

	flush := func() {
		if !haveAny {
			return
		}
		tx.t.BlockHeight = blockHeight
		tx.t.JobID = jobID
		tx.flushOutput()
		t := tx.t

		s.jobsLock.Lock()
		s.Answer = append(s.Answer, t)
		idx := len(s.Answer) - 1
		s.updateTxRefs(jobID, idx)
		s.jobsLock.Unlock()

		if s.Callbacks.TransactionAdded != nil {
			s.Callbacks.TransactionAdded(s, &s.Answer[idx], idx)
		}
		tx = newTxRecord()
		haveAny = false
	}

	for {
		r := p.Next()
		if r == cmf.EndOfDocument || r == cmf.ParseError {
			break
		}
		switch p.Tag() {
		case wire.Tag_BlockHeight:
			blockHeight = int32(p.Int())
		case wire.Tag_Tx_OffsetInBlock:
			tx.t.OffsetInBlock = int32(p.Int())
			haveAny = true
		case wire.Tag_TxId:
			copy(tx.t.TxID[:], p.Bytes())
			haveAny = true
		case wire.Tag_GenericByteData:
			tx.t.FullTxData = append([]byte(nil), p.Bytes()...)
			haveAny = true
		case wire.Tag_Tx_IN_TxId:
			tx.pendingInput = append([]byte(nil), p.Bytes()...)
			haveAny = true
		case wire.Tag_Tx_IN_OutIndex:
			var prev wire.Hash256
			copy(prev[:], tx.pendingInput)
			tx.t.Inputs = append(tx.t.Inputs, Input{PrevTxID: prev, OutIndex: int(p.Int())})
			tx.pendingInput = nil
			haveAny = true
		case wire.Tag_Tx_Out_Amount:
			tx.flushOutput()
			tx.pendingOutput.Amount = uint64(p.Int())
			tx.haveOutput = true
			haveAny = true
		case wire.Tag_Tx_Out_Index:
			tx.pendingOutput.Index = int(p.Int())
			tx.haveOutput = true
			haveAny = true
		case wire.Tag_Tx_OutputScript:
			tx.pendingOutput.Script = append([]byte(nil), p.Bytes()...)
			tx.haveOutput = true
		case wire.Tag_Tx_Out_Address:
			tx.pendingOutput.Address = append([]byte(nil), p.Bytes()...)
			tx.haveOutput = true
		case cmf.Separator:
			flush()
		}
	}
	flush()
}

// txRecord accumulates one transaction's inputs and outputs as tags stream
// by; outputs have no explicit terminator of their own, so a new
// Tx_Out_Amount tag closes out the previous output the same way a block's
// BlockChain::MessageBuilder emits one fixed-order group per output.
type txRecord struct {
	t             Transaction
	pendingInput  []byte
	pendingOutput Output
	haveOutput    bool
}

func newTxRecord() *txRecord {
	return &txRecord{t: Transaction{TxRefs: make(map[uint32]int), Fees: -1}}
}

func (r *txRecord) flushOutput() {
	if !r.haveOutput {
		r.pendingOutput = Output{}
		return
	}
	r.t.Outputs = append(r.t.Outputs, r.pendingOutput)
	r.pendingOutput = Output{}
	r.haveOutput = false
}

func (e *Engine) recordBlockHeader(s *Search, body bufpool.ConstBuffer) {
	p := cmf.NewParser(body)
	var h BlockHeader
	for {
		r := p.Next()
		if r == cmf.EndOfDocument || r == cmf.ParseError {
			break
		}
		switch p.Tag() {
		case wire.Tag_BlockHeight:
			h.Height = int32(p.Int())
		case wire.Tag_BlockHash:
			copy(h.Hash[:], p.Bytes())
		case wire.Tag_Header_MerkleRoot:
			copy(h.MerkleRoot[:], p.Bytes())
		case wire.Tag_Header_Confirmations:
			h.Confirmations = int32(p.Int())
		case wire.Tag_Header_Version:
			h.Version = uint32(p.Int())
		case wire.Tag_Header_Time:
			h.Time = uint32(p.Int())
		case wire.Tag_Header_MedianTime:
			h.MedianTime = uint32(p.Int())
		case wire.Tag_Header_Nonce:
			h.Nonce = uint32(p.Int())
		case wire.Tag_Header_Bits:
			h.Bits = uint32(p.Int())
		case wire.Tag_Header_Difficulty:
			h.Difficulty = p.Double()
		}
	}
	s.jobsLock.Lock()
	s.BlockHeaders[int(h.Height)] = h
	s.jobsLock.Unlock()
}

// handleMempoolReply answers FindTxInMempool/FindAddressInMempool exactly
// like a multi-tx block reply: zero or more tx records, each firing
// TransactionAdded.
func (e *Engine) handleMempoolReply(s *Search, jobID int, body bufpool.ConstBuffer) {
	e.addTransactions(s, body, jobID)
}
