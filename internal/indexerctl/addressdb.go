package indexerctl

import (
	"encoding/binary"

	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/hashlist"
)

// addressUsageTable is a DupSort table: key is the hash160's hashlist.RowID
// (8 bytes, DB then Row, big-endian so rows from the same generation sort
// together), each duplicate value one usage record. This replaces the
// original's per-generation "AddressUsageNN" SQL table with a single MDBX
// multimap, keeping the one-row-per-output-use shape the original's schema
// comment describes.
const addressUsageTable = "address_usage"

// metaTable holds the singleton LastKnownState row as a single key.
const metaTable = "meta"

var lastHeightKey = []byte("lastHeight")

// AddressDB is the MDBX-backed store behind AddressIndexer: it owns no
// address bytes itself, only usage records keyed by the hash160's row id in
// a shared hashlist.Storage (see AddressIndexer).
type AddressDB struct {
	env *mdbx.Env
}

// usageRecord is one output spend/receive against an address: 4+4+2 bytes.
type usageRecord struct {
	blockHeight   int32
	offsetInBlock int32
	outIndex      int16
}

func encodeUsage(u usageRecord) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint32(buf[0:4], uint32(u.blockHeight))
	binary.BigEndian.PutUint32(buf[4:8], uint32(u.offsetInBlock))
	binary.BigEndian.PutUint16(buf[8:10], uint16(u.outIndex))
	return buf
}

func decodeUsage(buf []byte) usageRecord {
	return usageRecord{
		blockHeight:   int32(binary.BigEndian.Uint32(buf[0:4])),
		offsetInBlock: int32(binary.BigEndian.Uint32(buf[4:8])),
		outIndex:      int16(binary.BigEndian.Uint16(buf[8:10])),
	}
}

func encodeRowKey(row hashlist.RowID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], row.DB)
	binary.BigEndian.PutUint32(buf[4:8], row.Row)
	return buf
}

// OpenAddressDB opens (or creates) the MDBX environment at dir.
func OpenAddressDB(dir string) (*AddressDB, error) {
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "addressdb: creating env")
	}
	if err := env.SetOption(mdbx.OptMaxDB, 4); err != nil {
		return nil, errors.Wrap(err, "addressdb: setting max dbs")
	}
	if err := env.SetGeometry(-1, -1, 64<<30, -1, -1, 4096); err != nil {
		return nil, errors.Wrap(err, "addressdb: setting geometry")
	}
	if err := env.Open(dir, mdbx.Create, 0o644); err != nil {
		return nil, errors.Wrapf(err, "addressdb: opening %s", dir)
	}

	db := &AddressDB{env: env}
	err = env.Update(func(txn *mdbx.Txn) error {
		if _, err := txn.OpenDBISimple(addressUsageTable, mdbx.Create|mdbx.DupSort); err != nil {
			return err
		}
		if _, err := txn.OpenDBISimple(metaTable, mdbx.Create); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		env.Close()
		return nil, errors.Wrap(err, "addressdb: creating tables")
	}
	return db, nil
}

// Close shuts down the MDBX environment.
func (db *AddressDB) Close() {
	db.env.Close()
}

// LastKnownState returns the height recorded by the most recent
// SetLastKnownState call, 0 if none.
func (db *AddressDB) LastKnownState() (int32, error) {
	var height int32
	err := db.env.View(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenDBISimple(metaTable, 0)
		if err != nil {
			return err
		}
		v, err := txn.Get(dbi, lastHeightKey)
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		height = int32(binary.BigEndian.Uint32(v))
		return nil
	})
	return height, err
}

// SetLastKnownState records blockheight as the new LastKnownState,
// mirroring AddressIndexer::blockFinished's "update LastKnownState" query.
func (db *AddressDB) SetLastKnownState(height int32) error {
	return db.env.Update(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenDBISimple(metaTable, 0)
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(height))
		return txn.Put(dbi, lastHeightKey, buf, 0)
	})
}

// InsertUsage appends one usage record for row, mirroring
// AddressIndexer::insert's "insert into AddressUsageNN" statement.
func (db *AddressDB) InsertUsage(row hashlist.RowID, height, offsetInBlock int32, outIndex int) error {
	return db.env.Update(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenDBISimple(addressUsageTable, mdbx.DupSort)
		if err != nil {
			return err
		}
		key := encodeRowKey(row)
		val := encodeUsage(usageRecord{blockHeight: height, offsetInBlock: offsetInBlock, outIndex: int16(outIndex)})
		return txn.Put(dbi, key, val, 0)
	})
}

// UsageEntry is one returned hit for AddressIndexer.Find.
type UsageEntry struct {
	BlockHeight   int32
	OffsetInBlock int32
	OutIndex      int
}

// FindUsages returns every usage record stored under row, mirroring
// AddressIndexer::find's "select ... WHERE address_row=:row" query via an
// MDBX dupsort cursor walk instead of a SQL table scan.
func (db *AddressDB) FindUsages(row hashlist.RowID) ([]UsageEntry, error) {
	var out []UsageEntry
	err := db.env.View(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenDBISimple(addressUsageTable, mdbx.DupSort)
		if err != nil {
			return err
		}
		cur, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()

		key := encodeRowKey(row)
		_, v, err := cur.Get(key, nil, mdbx.SetKey)
		for err == nil {
			u := decodeUsage(v)
			out = append(out, UsageEntry{BlockHeight: u.blockHeight, OffsetInBlock: u.offsetInBlock, OutIndex: int(u.outIndex)})
			_, v, err = cur.Get(nil, nil, mdbx.NextDup)
		}
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	})
	return out, err
}
