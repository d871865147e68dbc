package hashlist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(i int) []byte {
	h := make([]byte, 32)
	copy(h, []byte(fmt.Sprintf("hash-%d", i)))
	return h
}

// TestAppendFindRoundTrip covers spec.md §8 property 1: Find(Append(h)) == h
// for every row ever handed out, even after the log has been flushed to
// parts and merged into a finalized file.
func TestAppendFindRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "txid", 32, nil)
	require.NoError(t, err)

	var ids []RowID
	for i := 0; i < 50; i++ {
		id, err := s.Append(hashOf(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i, id := range ids {
		got, err := s.Find(id)
		require.NoError(t, err)
		require.Equal(t, hashOf(i), got)
	}

	require.NoError(t, s.Finalize())

	for i, id := range ids {
		got, err := s.Find(id)
		require.NoError(t, err)
		require.Equal(t, hashOf(i), got)
	}
}

// TestDuplicateHashKeepsOlderRowFindable exercises the append-dedup bug fix:
// the same hash appended twice must remain findable at both its earlier and
// later RowID, while Lookup always resolves to the latest one.
func TestDuplicateHashKeepsOlderRowFindable(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "txid", 32, nil)
	require.NoError(t, err)

	h := hashOf(0)
	first, err := s.Append(h)
	require.NoError(t, err)
	_, err = s.Append(hashOf(1))
	require.NoError(t, err)
	second, err := s.Append(h)
	require.NoError(t, err)

	got, err := s.Find(first)
	require.NoError(t, err)
	require.Equal(t, h, got)

	got, err = s.Find(second)
	require.NoError(t, err)
	require.Equal(t, h, got)

	row, ok, err := s.Lookup(h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, row)

	require.NoError(t, s.Finalize())

	got, err = s.Find(first)
	require.NoError(t, err)
	require.Equal(t, h, got)
	got, err = s.Find(second)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

// TestLookupAfterFinalize covers spec.md §8 property 2: finalized storage
// has no duplicate rows and supports lookups via the jumptable path.
func TestLookupAfterFinalize(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "txid", 32, nil)
	require.NoError(t, err)

	var hashes [][]byte
	for i := 0; i < 2000; i++ {
		h := hashOf(i)
		hashes = append(hashes, h)
		_, err := s.Append(h)
		require.NoError(t, err)
	}
	require.NoError(t, s.Finalize())

	for i, h := range hashes {
		row, ok, err := s.Lookup(h)
		require.NoError(t, err)
		require.True(t, ok, "hash %d should be found", i)
		got, err := s.Find(row)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}

	_, ok, err := s.Lookup(hashOf(999999))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestFinalizeStartsFreshGeneration covers the rolling-generation model:
// after Finalize, new appends land in a new DB index and old RowIDs still
// resolve.
func TestFinalizeStartsFreshGeneration(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "txid", 32, nil)
	require.NoError(t, err)

	idOld, err := s.Append(hashOf(1))
	require.NoError(t, err)
	require.NoError(t, s.Finalize())
	idNew, err := s.Append(hashOf(2))
	require.NoError(t, err)

	require.NotEqual(t, idOld.DB, idNew.DB)

	got, err := s.Find(idOld)
	require.NoError(t, err)
	require.Equal(t, hashOf(1), got)
	got, err = s.Find(idNew)
	require.NoError(t, err)
	require.Equal(t, hashOf(2), got)
}

// TestReopenReplaysLog covers crash recovery: reopening a Storage whose log
// was never flushed must still resolve every prior Append and Lookup.
func TestReopenReplaysLog(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "txid", 32, nil)
	require.NoError(t, err)
	id, err := s.Append(hashOf(7))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir, "txid", 32, nil)
	require.NoError(t, err)
	got, err := s2.Find(id)
	require.NoError(t, err)
	require.Equal(t, hashOf(7), got)
	row, ok, err := s2.Lookup(hashOf(7))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, row)
}
