package uodb

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/wire"
)

func hashFor(seed byte) wire.Hash256 {
	var h wire.Hash256
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

func TestInsertFindRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "data-1.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	txid := hashFor(1)
	require.NoError(t, db.Insert(txid, 0, 100, 5))

	height, offset, ok, err := db.Find(txid, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, height)
	require.EqualValues(t, 5, offset)

	_, _, ok, err = db.Find(txid, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBucketChainSurvivesCollisionInSameBucket(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "data-1.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	txids := make([]wire.Hash256, 0, 200)
	for i := 0; i < 200; i++ {
		h := hashFor(byte(i))
		txids = append(txids, h)
		require.NoError(t, db.Insert(h, 0, int32(i), int32(i)))
	}
	for i, h := range txids {
		height, offset, ok, err := db.Find(h, 0)
		require.NoError(t, err)
		require.True(t, ok, "txid %d", i)
		require.EqualValues(t, i, height)
		require.EqualValues(t, i, offset)
	}
}

// TestSnapshotIsolation covers spec.md §8 property 3: after BlockFinished,
// reopening observes exactly what Find would have returned right after
// that call, even if more was inserted afterward but never checkpointed
// again before a (simulated) crash.
func TestSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data-1.db")
	db, err := Open(path, nil)
	require.NoError(t, err)

	committed := hashFor(1)
	require.NoError(t, db.Insert(committed, 0, 10, 1))
	require.NoError(t, db.BlockFinished(10, hashFor(0xAA)))

	uncommitted := hashFor(2)
	require.NoError(t, db.Insert(uncommitted, 0, 11, 1))
	// simulate a crash: no further checkpoint, just stop using db without
	// calling SaveCaches/BlockFinished again, then reopen from scratch.
	require.NoError(t, db.Close())

	db2, err := Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()

	_, _, ok, err := db2.Find(committed, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, ok, err = db2.Find(uncommitted, 0)
	require.NoError(t, err)
	require.False(t, ok, "insert after the last checkpoint must not survive a simulated crash")
}

// TestCheckpointRingFallsBackOnCorruption covers spec.md §8 property 5.
func TestCheckpointRingFallsBackOnCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data-1.db")
	db, err := Open(path, nil)
	require.NoError(t, err)

	h := hashFor(1)
	require.NoError(t, db.Insert(h, 0, 1, 1))
	require.NoError(t, db.BlockFinished(1, hashFor(0x11)))
	require.NoError(t, db.Insert(hashFor(2), 0, 2, 1))
	require.NoError(t, db.BlockFinished(2, hashFor(0x22)))
	require.NoError(t, db.Close())

	// corrupt slot 1 (the most recent checkpoint) by flipping the first
	// byte of its header, so that it no longer parses and verifies.
	latestInfo := infoPath(path, 1)
	raw, err := os.ReadFile(latestInfo)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(latestInfo, raw, 0o644))

	db2, err := Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	require.EqualValues(t, 1, db2.lastBlockHeight, "must fall back to the last verifying checkpoint")
}

// TestPruneIdempotence covers spec.md §8 property 6.
func TestPruneIdempotence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data-1.db")
	db, err := Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Insert(hashFor(byte(i)), 0, int32(i), int32(i)))
	}

	p1 := NewPruner()
	_, err = p1.Prune(db)
	require.NoError(t, err)
	first := p1.LiveBuckets().Clone()

	p2 := NewPruner()
	_, err = p2.Prune(db)
	require.NoError(t, err)
	second := p2.LiveBuckets()

	require.True(t, first.Equals(second))
}

// TestConcurrentFindAndInsert mirrors indexsrv's concurrency model (spec.md
// §5): one driver goroutine calling Insert/BlockFinished while any number of
// query goroutines call Find against the same DB. Run with -race to catch a
// regression of the unguarded db.size read this guards against.
func TestConcurrentFindAndInsert(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "data-1.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	const n = 200
	txids := make([]wire.Hash256, n)
	for i := range txids {
		txids[i] = hashFor(byte(i))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i, h := range txids {
			require.NoError(t, db.Insert(h, 0, int32(i), int32(i)))
		}
		require.NoError(t, db.BlockFinished(int32(n-1), hashFor(255)))
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, _, _, err := db.Find(txids[i%n], 0)
			require.NoError(t, err)
		}
	}()
	wg.Wait()
}
