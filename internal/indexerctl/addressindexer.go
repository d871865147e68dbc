package indexerctl

import (
	"context"
	"time"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/hashlist"
	"github.com/flowee-go/hubindex/internal/wire"
)

// AddressIndexerSlot is the fixed TokenSet slot reserved for the address
// indexer.
const AddressIndexerSlot = 2

// addressHashWidth is a hash160's length: AddressIndexer's rows key on the
// raw 20-byte address hash, not a txid.
const addressHashWidth = 20

// AddressIndexer maps a hash160 to every (height, offsetInBlock, outIndex)
// it was used in, grounded on original_source/indexer/AddressIndexer.{h,cpp}:
// the original's HashStorage-for-dedup + one-SQL-table-per-generation design
// becomes a hashlist.Storage for the address-to-row mapping plus a single
// AddressDB (MDBX) multimap for the usage rows themselves.
type AddressIndexer struct {
	rows *hashlist.Storage
	db   *AddressDB
	ctl  *Controller
	log  logv3.Logger
}

// NewAddressIndexer opens (or resumes) the address index rooted at dir
// against ctl.
func NewAddressIndexer(dir string, ctl *Controller, log logv3.Logger) (*AddressIndexer, error) {
	if log == nil {
		log = logv3.Root()
	}
	rows, err := hashlist.Open(dir, "addresses", addressHashWidth, log)
	if err != nil {
		return nil, err
	}
	db, err := OpenAddressDB(dir + "/addresses.mdbx")
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &AddressIndexer{rows: rows, db: db, ctl: ctl, log: log}, nil
}

// Close releases both the hashlist.Storage and the MDBX environment.
func (a *AddressIndexer) Close() error {
	a.db.Close()
	return a.rows.Close()
}

// SaveCaches finalizes the current hashlist generation, the address
// indexer's equivalent of the UODB-backed drivers' forced checkpoint; the
// MDBX usage table is already durable per-transaction. Each call rolls over
// to a new generation, the same way reaching the chain tip does in Run, so
// this is meant for occasional operator use, not a tight polling loop.
func (a *AddressIndexer) SaveCaches() error { return a.rows.Finalize() }

// Find answers a LookupByAddress request.
func (a *AddressIndexer) Find(address [addressHashWidth]byte) ([]UsageEntry, error) {
	row, ok, err := a.rows.Lookup(address[:])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return a.db.FindUsages(row)
}

// insert records one (address, outIndex, height, offsetInBlock) use,
// allocating a new row the first time this address is seen, mirroring
// AddressIndexer::insert's lookup-or-append against the shared HashStorage.
func (a *AddressIndexer) insert(address []byte, outIndex int, height, offsetInBlock int32) error {
	row, ok, err := a.rows.Lookup(address)
	if err != nil {
		return err
	}
	if !ok {
		row, err = a.rows.Append(address)
		if err != nil {
			return err
		}
	}
	return a.db.InsertUsage(row, height, offsetInBlock, outIndex)
}

// Run pulls one block at a time from ctl and indexes every output address
// use in it. The original parses Tx_Out_Address tags gated by the enclosing
// transaction's Tx_OffsetInBlock and per-output Tx_Out_Index; this mirrors
// that scoping with the same Separator-delimited tx records used by the
// other two drivers.
func (a *AddressIndexer) Run(ctx context.Context, nextBlockTimeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		height, err := a.db.LastKnownState()
		if err != nil {
			return err
		}
		wantHeight := height + 1
		blk, err := a.ctl.NextBlock(ctx, AddressIndexerSlot, wantHeight, nextBlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Debug("addressindexer: nextBlock timed out, retrying", "height", wantHeight)
			continue
		}

		var blockHeight int32 = -1
		var txOffset int32
		var outIndex int32

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
				outIndex = 0
			case wire.Tag_Tx_OffsetInBlock:
				txOffset = int32(p.Int())
			case wire.Tag_Tx_Out_Index:
				outIndex = int32(p.Int())
			case wire.Tag_Tx_Out_Address:
				if err := a.insert(p.Bytes(), int(outIndex), blockHeight, txOffset); err != nil {
					return err
				}
			}
		}

		if err := a.db.SetLastKnownState(blockHeight); err != nil {
			return err
		}
		if blockHeight == a.ctl.Tip() {
			if err := a.rows.Finalize(); err != nil {
				return err
			}
		}
	}
}
