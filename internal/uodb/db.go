package uodb

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/wire"
)

// ErrNotFound is returned by Find when a key has no live mapping.
var ErrNotFound = errors.New("uodb: key not found")

// maxRecordProbe bounds how many bytes DB reads back from the file to
// decode one leaf or bucket record: both are small, tagged records, never
// remotely close to this size in practice.
const maxRecordProbe = 8192

// DB is one UnspentOutputDatabase instance: a single append-only .db file
// plus an in-memory bucket jumptable, backed by a round-robin ring of
// checkpoint .info files (§4.2).
type DB struct {
	path string
	log  logv3.Logger

	mu       sync.Mutex // serializes all writers and guards size; jumptable reads alone need no lock
	f        *os.File
	size     int64
	pool     *bufpool.Pool
	lock     *flock.Flock
	jumptable []atomic.Uint32

	changesSincePrune     int32
	initialBucketSegments int32
	nextSlot              int
	firstBlockHeight      int32
	lastBlockHeight       int32
	lastBlockID           wire.Hash256
}

// Open opens (or creates) the UODB at path, recovering from the most
// recent verifying checkpoint if one exists.
func Open(path string, log logv3.Logger) (*DB, error) {
	if log == nil {
		log = logv3.Root()
	}
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "uodb: locking %s", path)
	}
	if !locked {
		return nil, errors.Errorf("uodb: %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		fl.Unlock()
		return nil, errors.Wrapf(err, "uodb: opening %s", path)
	}

	db := &DB{path: path, log: log, f: f, pool: bufpool.New(4096), lock: fl, jumptable: make([]atomic.Uint32, bucketCount)}

	info, err := f.Stat()
	if err != nil {
		db.Close()
		return nil, err
	}
	db.size = info.Size()

	if cp, table, ok := loadLatestCheckpoint(path); ok {
		if err := f.Truncate(cp.positionInFile); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "uodb: truncating to checkpoint")
		}
		db.size = cp.positionInFile
		db.changesSincePrune = cp.changesSincePrune
		db.initialBucketSegments = cp.initialBucketSegments
		db.firstBlockHeight = cp.firstBlockHeight
		db.lastBlockHeight = cp.lastBlockHeight
		db.lastBlockID = cp.lastBlockID
		for i := 0; i < bucketCount; i++ {
			db.jumptable[i].Store(wire.ReadU32LE(table[i*4 : i*4+4]))
		}
		log.Info("uodb: recovered from checkpoint", "path", path, "height", cp.lastBlockHeight)
	} else if db.size == 0 {
		// reserve offset 0 so it can serve as the jumptable's "empty" sentinel.
		if _, err := f.Write([]byte{0}); err != nil {
			db.Close()
			return nil, err
		}
		db.size = 1
	}
	return db, nil
}

// LastBlockHeight returns the height of the most recent BlockFinished call,
// 0 if none has happened yet.
func (db *DB) LastBlockHeight() int32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lastBlockHeight
}

// FirstBlockHeight returns the height of the oldest block this db has ever
// recorded a checkpoint for.
func (db *DB) FirstBlockHeight() int32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.firstBlockHeight
}

// LeafEntry is one decoded (txid, outIndex, height, offset) record, handed
// to Walk's callback.
type LeafEntry struct {
	TxID          wire.Hash256
	OutIndex      int32
	BlockHeight   int32
	OffsetInBlock int32
}

// Walk visits every live leaf across the jumptable, the same traversal
// Pruner.Prune performs to rewrite a db, factored out here so cmd/unspentdb's
// info/check/export subcommands can read the UTXO set without copying it.
// fn's error stops the walk and is returned as-is.
func (db *DB) Walk(fn func(LeafEntry) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	type leafKey struct {
		txid     wire.Hash256
		outIndex int32
	}
	for sh := uint32(0); sh < bucketCount; sh++ {
		bucketOff := db.jumptable[sh].Load()
		if bucketOff == 0 {
			continue
		}
		buf, err := db.readRecordAt(int64(bucketOff))
		if err != nil {
			return err
		}
		entries, err := decodeBucket(buf, int64(bucketOff))
		if err != nil {
			return errors.Wrap(err, "uodb: decoding bucket during walk")
		}
		seen := make(map[leafKey]bool, len(entries))
		for _, e := range entries {
			leafBuf, err := db.readRecordAt(e.leafPos)
			if err != nil {
				return err
			}
			l, err := decodeLeaf(leafBuf)
			if err != nil {
				return errors.Wrap(err, "uodb: decoding leaf during walk")
			}
			// entries run newest first, so only the first leaf seen for a
			// (txid, outIndex) is live.
			k := leafKey{l.txid, l.outIndex}
			if seen[k] {
				continue
			}
			seen[k] = true
			if err := fn(LeafEntry{TxID: l.txid, OutIndex: l.outIndex, BlockHeight: l.blockHeight, OffsetInBlock: l.offset}); err != nil {
				return err
			}
		}
	}
	return nil
}

// readRecordAt reads up to maxRecordProbe bytes starting at off, clipped to
// the file's current size, for the caller to parse a tagged record from.
func (db *DB) readRecordAt(off int64) ([]byte, error) {
	n := maxRecordProbe
	if off+int64(n) > db.size {
		n = int(db.size - off)
	}
	buf := make([]byte, n)
	if _, err := db.f.ReadAt(buf, off); err != nil {
		return nil, errors.Wrap(err, "uodb: reading record")
	}
	return buf, nil
}

// Insert appends a new leaf for (txid, outIndex) and rewrites the bucket
// chain for its shorthash to include it, per §4.2's insertion path.
func (db *DB) Insert(txid wire.Hash256, outIndex int, height, offset int32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sh := shorthash(txid[:])
	prevOff := db.jumptable[sh].Load()

	var entries []bucketEntry
	if prevOff != 0 {
		buf, err := db.readRecordAt(int64(prevOff))
		if err != nil {
			return err
		}
		entries, err = decodeBucket(buf, int64(prevOff))
		if err != nil {
			return errors.Wrap(err, "uodb: decoding bucket during insert")
		}
	}

	leafPos := db.size
	leafBuf := encodeLeaf(db.pool, leaf{txid: txid, outIndex: int32(outIndex), blockHeight: height, offset: offset})
	if _, err := db.f.WriteAt(leafBuf.Bytes(), leafPos); err != nil {
		return errors.Wrap(err, "uodb: writing leaf")
	}
	db.size += int64(leafBuf.Size())
	leafBuf.Release()

	ch := cheapHash64(txid[:])
	newEntries := make([]bucketEntry, 0, len(entries)+1)
	newEntries = append(newEntries, bucketEntry{cheapHash: ch, leafPos: leafPos})
	newEntries = append(newEntries, entries...)

	bucketOff := db.size
	bucketBuf := encodeBucket(db.pool, bucketOff, newEntries)
	if _, err := db.f.WriteAt(bucketBuf.Bytes(), bucketOff); err != nil {
		return errors.Wrap(err, "uodb: writing bucket")
	}
	db.size += int64(bucketBuf.Size())
	bucketBuf.Release()

	db.jumptable[sh].Store(uint32(bucketOff))
	db.changesSincePrune++
	if db.changesSincePrune > pruneCheckpointInterval {
		if err := db.checkpointLocked(false); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the most recently inserted (height, offset) for
// (txid, outIndex), per §4.2's collision semantics: a shorthash match whose
// cheapHash64 agrees but whose full txid does not is treated as "not
// found" rather than continuing the search.
func (db *DB) Find(txid wire.Hash256, outIndex int) (height, offset int32, ok bool, err error) {
	sh := shorthash(txid[:])
	bucketOff := db.jumptable[sh].Load()
	if bucketOff == 0 {
		return 0, 0, false, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	buf, err := db.readRecordAt(int64(bucketOff))
	if err != nil {
		return 0, 0, false, err
	}
	entries, err := decodeBucket(buf, int64(bucketOff))
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "uodb: decoding bucket during find")
	}
	ch := cheapHash64(txid[:])
	for _, e := range entries {
		if e.cheapHash != ch {
			continue
		}
		leafBuf, err := db.readRecordAt(e.leafPos)
		if err != nil {
			return 0, 0, false, err
		}
		l, err := decodeLeaf(leafBuf)
		if err != nil {
			return 0, 0, false, errors.Wrap(err, "uodb: decoding leaf during find")
		}
		if l.txid != txid {
			return 0, 0, false, nil
		}
		if l.outIndex != int32(outIndex) {
			continue
		}
		return l.blockHeight, l.offset, true, nil
	}
	return 0, 0, false, nil
}

// BlockFinished commits everything inserted since the previous call as of
// (height, blockID) and checkpoints, per §4.2 and §5's ordering guarantee.
func (db *DB) BlockFinished(height int32, blockID wire.Hash256) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lastBlockHeight = height
	db.lastBlockID = blockID
	if db.firstBlockHeight == 0 {
		db.firstBlockHeight = height
	}
	return db.checkpointLocked(true)
}

// SaveCaches forces an immediate checkpoint regardless of the
// changesSincePrune threshold.
func (db *DB) SaveCaches() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.checkpointLocked(true)
}

func (db *DB) checkpointLocked(isTip bool) error {
	if err := db.f.Sync(); err != nil {
		return errors.Wrap(err, "uodb: syncing db before checkpoint")
	}
	table := make([]byte, jumptableBytes)
	for i := 0; i < bucketCount; i++ {
		wire.PutU32LE(table[i*4:i*4+4], db.jumptable[i].Load())
	}
	cp := checkpoint{
		lastBlockID:           db.lastBlockID,
		firstBlockHeight:      db.firstBlockHeight,
		lastBlockHeight:       db.lastBlockHeight,
		positionInFile:        db.size,
		changesSincePrune:     db.changesSincePrune,
		initialBucketSegments: db.initialBucketSegments,
		isTip:                 isTip,
	}
	if err := writeCheckpoint(db.pool, db.path, db.nextSlot, cp, table); err != nil {
		return err
	}
	db.nextSlot = (db.nextSlot + 1) % checkpointSlots
	db.changesSincePrune = 0
	db.log.Debug("uodb: checkpointed", "path", db.path, "height", db.lastBlockHeight, "slot", db.nextSlot)
	return nil
}

// Close releases the advisory lock and closes the underlying file.
func (db *DB) Close() error {
	var firstErr error
	if db.f != nil {
		if err := db.f.Close(); err != nil {
			firstErr = err
		}
	}
	if db.lock != nil {
		if err := db.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
