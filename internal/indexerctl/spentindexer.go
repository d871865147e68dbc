package indexerctl

import (
	"context"
	"time"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/uodb"
	"github.com/flowee-go/hubindex/internal/wire"
)

// SpentIndexerSlot is the fixed TokenSet slot reserved for the
// spent-output indexer.
const SpentIndexerSlot = 1

// SpentTxData answers LookupSpentTx: which transaction spent a given
// output, and where.
type SpentTxData struct {
	BlockHeight   int32
	OffsetInBlock int32
	Found         bool
}

// SpentOutputIndexer maps every (prevTxId, outIndex) spent by a block's
// non-coinbase inputs to the spending transaction's (height, offset),
// grounded on original_source/indexer/SpentOuputIndexer.cpp. Unlike the
// original's "txOffsetInBlock > 90" cutoff, this indexer skips an input
// exactly when wire.IsCoinbase(txOffsetInBlock) holds, per the unified
// coinbase rule.
type SpentOutputIndexer struct {
	db  *uodb.DB
	ctl *Controller
	log logv3.Logger
}

// NewSpentOutputIndexer opens (or resumes) the spent-output index at
// dbPath against ctl.
func NewSpentOutputIndexer(dbPath string, ctl *Controller, log logv3.Logger) (*SpentOutputIndexer, error) {
	if log == nil {
		log = logv3.Root()
	}
	db, err := uodb.Open(dbPath, log)
	if err != nil {
		return nil, err
	}
	return &SpentOutputIndexer{db: db, ctl: ctl, log: log}, nil
}

// Find answers a LookupSpentTx request directly from the UODB.
func (s *SpentOutputIndexer) Find(txid wire.Hash256, outIndex int) (SpentTxData, error) {
	height, offset, ok, err := s.db.Find(txid, outIndex)
	if err != nil {
		return SpentTxData{}, err
	}
	return SpentTxData{BlockHeight: height, OffsetInBlock: offset, Found: ok}, nil
}

// Close releases the underlying UODB.
func (s *SpentOutputIndexer) Close() error { return s.db.Close() }

// SaveCaches forces an immediate checkpoint of the underlying UODB.
func (s *SpentOutputIndexer) SaveCaches() error { return s.db.SaveCaches() }

// Run pulls one block at a time from ctl and records every non-coinbase
// input's (prevTxId, prevOutIndex) against the spending tx's position,
// mirroring SpentOutputIndexer::run's tag-scoped parse loop.
func (s *SpentOutputIndexer) Run(ctx context.Context, nextBlockTimeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wantHeight := s.db.LastBlockHeight() + 1
		blk, err := s.ctl.NextBlock(ctx, SpentIndexerSlot, wantHeight, nextBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Debug("spentindexer: nextBlock timed out, retrying", "height", wantHeight)
			continue
		}

		var blockHeight int32 = -1
		var txOffset int32
		var prevTxid wire.Hash256
		havePrevTxid := false

		p := cmf.NewParser(blk.Body)
		for {
			r := p.Next()
			if r == cmf.EndOfDocument || r == cmf.ParseError {
				break
			}
			switch p.Tag() {
			case wire.Tag_BlockHeight:
				blockHeight = int32(p.Int())
			case cmf.Separator:
				txOffset = 0
				havePrevTxid = false
			case wire.Tag_Tx_OffsetInBlock:
				txOffset = int32(p.Int())
			case wire.Tag_Tx_IN_TxId:
				if !wire.IsCoinbase(txOffset) {
					copy(prevTxid[:], p.Bytes())
					havePrevTxid = true
				}
			case wire.Tag_Tx_IN_OutIndex:
				if !wire.IsCoinbase(txOffset) && havePrevTxid {
					havePrevTxid = false
					if err := s.db.Insert(prevTxid, int(p.Int()), blockHeight, txOffset); err != nil {
						return err
					}
				}
			}
		}

		if err := s.db.BlockFinished(blockHeight, blk.Hash); err != nil {
			return err
		}
		if blockHeight == s.ctl.Tip() {
			if err := s.db.SaveCaches(); err != nil {
				return err
			}
		}
	}
}
