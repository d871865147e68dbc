package uodb

import (
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/wire"
)

// Pruner rewrites one UODB .db file, keeping only each bucket's live
// leaves, into a fresh file with its own 4-encoding scheme, then atomically
// swaps the rewritten file into place. Grounded on
// original_source/unspentdb/PruneCommand.cpp's walk-then-replace strategy.
type Pruner struct {
	pool     *bufpool.Pool
	lastLive *roaring.Bitmap
}

// NewPruner returns a Pruner ready to process one or more databases.
func NewPruner() *Pruner {
	return &Pruner{pool: bufpool.New(4096)}
}

// LiveBuckets returns the set of shorthashes that held at least one live
// leaf after the most recent Prune call, used by callers (and
// spec.md §8 property 6's idempotence test) to compare two prune passes
// without caring about leaf file-position churn.
func (p *Pruner) LiveBuckets() *roaring.Bitmap {
	return p.lastLive
}

// Prune walks db's jumptable, copies only live leaves into <path>.new plus
// a matching .info checkpoint, then renames the original .db to <path>~,
// deletes its .info checkpoints, and renames the rewritten files into place. Returns the count of leaves retained,
// for cmd/unspentdb's "check" / "prune" reporting.
func (p *Pruner) Prune(db *DB) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	newPath := db.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "uodb: creating %s", newPath)
	}
	defer newFile.Close()

	live := roaring.New() // tracks shorthashes already written, for idempotence checks by the caller
	newJumptable := make([]uint32, bucketCount)

	var size int64 = 1
	if _, err := newFile.WriteAt([]byte{0}, 0); err != nil {
		return 0, err
	}

	type leafKey struct {
		txid     wire.Hash256
		outIndex int32
	}
	leafCount := 0
	for sh := uint32(0); sh < bucketCount; sh++ {
		bucketOff := db.jumptable[sh].Load()
		if bucketOff == 0 {
			continue
		}
		buf, err := db.readRecordAt(int64(bucketOff))
		if err != nil {
			return 0, err
		}
		entries, err := decodeBucket(buf, int64(bucketOff))
		if err != nil {
			return 0, errors.Wrap(err, "uodb: decoding bucket during prune")
		}

		newEntries := make([]bucketEntry, 0, len(entries))
		seen := make(map[leafKey]bool, len(entries))
		for _, e := range entries {
			leafBuf, err := db.readRecordAt(e.leafPos)
			if err != nil {
				return 0, err
			}
			l, err := decodeLeaf(leafBuf)
			if err != nil {
				return 0, errors.Wrap(err, "uodb: decoding leaf during prune")
			}
			// entries run newest first, so only the first leaf seen for a
			// (txid, outIndex) is live.
			k := leafKey{l.txid, l.outIndex}
			if seen[k] {
				continue
			}
			seen[k] = true

			newLeafPos := size
			encoded := encodeLeaf(p.pool, l)
			if _, err := newFile.WriteAt(encoded.Bytes(), newLeafPos); err != nil {
				return 0, err
			}
			size += int64(encoded.Size())
			encoded.Release()
			newEntries = append(newEntries, bucketEntry{cheapHash: e.cheapHash, leafPos: newLeafPos})
			leafCount++
		}

		bucketOffset := size
		encoded := encodeBucket(p.pool, bucketOffset, newEntries)
		if _, err := newFile.WriteAt(encoded.Bytes(), bucketOffset); err != nil {
			return 0, err
		}
		size += int64(encoded.Size())
		encoded.Release()
		newJumptable[sh] = uint32(bucketOffset)
		live.Add(sh)
	}

	if err := newFile.Sync(); err != nil {
		return 0, err
	}

	table := make([]byte, jumptableBytes)
	for i, v := range newJumptable {
		wire.PutU32LE(table[i*4:i*4+4], v)
	}
	cp := checkpoint{
		lastBlockID:           db.lastBlockID,
		firstBlockHeight:      db.firstBlockHeight,
		lastBlockHeight:       db.lastBlockHeight,
		positionInFile:        size,
		initialBucketSegments: db.initialBucketSegments,
		isTip:                 true,
	}
	if err := writeCheckpoint(p.pool, newPath, 0, cp, table); err != nil {
		return 0, err
	}

	backupPath := db.path + "~"
	if err := os.Rename(db.path, backupPath); err != nil {
		return 0, errors.Wrap(err, "uodb: backing up original db")
	}
	for slot := 0; slot < checkpointSlots; slot++ {
		os.Remove(infoPath(db.path, slot)) // best-effort: sibling checkpoints are now stale
	}
	if err := os.Rename(newPath, db.path); err != nil {
		return 0, errors.Wrap(err, "uodb: installing pruned db")
	}
	if err := os.Rename(infoPath(newPath, 0), infoPath(db.path, 0)); err != nil {
		return 0, errors.Wrap(err, "uodb: installing pruned checkpoint")
	}
	f, err := os.OpenFile(db.path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "uodb: reopening pruned db")
	}
	db.f.Close()
	db.f = f

	for i := 0; i < bucketCount; i++ {
		db.jumptable[i].Store(newJumptable[i])
	}
	db.size = size
	db.nextSlot = 1
	db.changesSincePrune = 0
	p.lastLive = live

	return leafCount, nil
}
