package indexerctl

import (
	"context"
	"time"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/uodb"
	"github.com/flowee-go/hubindex/internal/wire"
)

// TxIndexerSlot is the fixed TokenSet slot reserved for the tx-id indexer,
// shared by every process that runs one (§4.1's "up to three drivers").
const TxIndexerSlot = 0

// TxData answers LookupTxById: where in the chain a transaction landed.
type TxData struct {
	BlockHeight   int32
	OffsetInBlock int32
	Found         bool
}

// TxIndexer maps every transaction id to its (height, offset-in-block),
// grounded on original_source/indexer/TxIndexer.cpp.
type TxIndexer struct {
	db   *uodb.DB
	ctl  *Controller
	log  logv3.Logger
}

// NewTxIndexer opens (or resumes) the tx-id index at dbPath against ctl.
func NewTxIndexer(dbPath string, ctl *Controller, log logv3.Logger) (*TxIndexer, error) {
	if log == nil {
		log = logv3.Root()
	}
	db, err := uodb.Open(dbPath, log)
	if err != nil {
		return nil, err
	}
	return &TxIndexer{db: db, ctl: ctl, log: log}, nil
}

// Find answers a LookupTxById request directly from the UODB.
func (t *TxIndexer) Find(txid wire.Hash256) (TxData, error) {
	height, offset, ok, err := t.db.Find(txid, 0)
	if err != nil {
		return TxData{}, err
	}
	return TxData{BlockHeight: height, OffsetInBlock: offset, Found: ok}, nil
}

// Close releases the underlying UODB.
func (t *TxIndexer) Close() error { return t.db.Close() }

// SaveCaches forces an immediate checkpoint of the underlying UODB.
func (t *TxIndexer) SaveCaches() error { return t.db.SaveCaches() }

// Run pulls one block at a time from ctl and indexes every transaction id
// in it, in lockstep with the chain tip, until ctx is cancelled. Mirrors
// TxIndexer::run's parse loop: a tx record is a run of tags terminated by
// Api::BlockChain::Separator, recording (txid, offsetInBlock) at each one.
func (t *TxIndexer) Run(ctx context.Context, nextBlockTimeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wantHeight := t.lastHeight() + 1
		blk, err := t.ctl.NextBlock(ctx, TxIndexerSlot, wantHeight, nextBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Debug("txindexer: nextBlock timed out, retrying", "height", wantHeight)
			continue
		}

		var blockHeight int32 = -1
		var txOffset int32
		var txid wire.Hash256
		haveTxid := false

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
				if txOffset > 0 && haveTxid {
					if err := t.db.Insert(txid, 0, blockHeight, txOffset); err != nil {
						return err
					}
				}
				txOffset = 0
				haveTxid = false
			case wire.Tag_Tx_OffsetInBlock:
				txOffset = int32(p.Int())
			case wire.Tag_TxId:
				copy(txid[:], p.Bytes())
				haveTxid = true
			}
		}
		// in case the last tx record isn't followed by a trailing Separator.
		if txOffset > 0 && haveTxid {
			if err := t.db.Insert(txid, 0, blockHeight, txOffset); err != nil {
				return err
			}
		}

		if err := t.db.BlockFinished(blockHeight, blk.Hash); err != nil {
			return err
		}
		if blockHeight == t.ctl.Tip() {
			if err := t.db.SaveCaches(); err != nil {
				return err
			}
		}
	}
}

func (t *TxIndexer) lastHeight() int32 {
	return t.db.LastBlockHeight()
}
