package hashlist

import (
	"bytes"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// partEntry is one (hash, row) pair as stored in a sorted part or
// finalized file: width bytes of hash followed by a 4-byte LE row.
type partEntry struct {
	hash []byte
	row  uint32
}

func recordSize(width int) int { return width + 4 }

// reversedLess orders two hashes by byte-reversed comparison (the
// least-significant byte first), per spec.md §4.1.
func reversedLess(a, b []byte) bool {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func reversedEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// sortEntries orders entries by (byte-reversed hash, row ascending) so
// that duplicate-hash groups are contiguous with the most recently
// appended row last -- Lookup wants "last rowId appended for h" (spec.md
// §8, property 1).
func sortEntries(entries []partEntry, width int) {
	sort.Slice(entries, func(i, j int) bool {
		if reversedEqual(entries[i].hash, entries[j].hash) {
			return entries[i].row < entries[j].row
		}
		return reversedLess(entries[i].hash, entries[j].hash)
	})
}

// cursor yields sorted (hash, row) pairs from a part or finalized file, in
// ascending order, used by the k-way merge in collector.go.
type cursor interface {
	next() (partEntry, bool, error)
}

// sortedSource is anything mergeSorted can read sequentially: an
// unmerged part, or an existing finalized file being folded into a
// fresh one.
type sortedSource interface {
	newCursor() (cursor, error)
	removeFiles() error
}

// part is a sorted, unmerged chunk of a generation produced by flushing
// the write log. Entries are kept in memory (a part never exceeds
// partFlushThreshold records) and mirrored on disk for crash recovery.
type part struct {
	dbPath    string
	indexPath string
	width     int
	entries   []partEntry // sorted by (reversed hash, row)
}

// writePart persists entries (already sorted) as partIdx of generation
// dbIdx, as a fixed-width record file plus a row->offset index file.
func writePart(dir, baseName string, dbIdx uint32, partIdx int, width int, entries []partEntry) (*part, error) {
	suffix := "_" + strconv.Itoa(partIdx)
	dbPath := generationPath(dir, baseName, dbIdx, suffix+".db")
	indexPath := generationPath(dir, baseName, dbIdx, suffix+".index")

	if err := writeRecords(dbPath, width, entries); err != nil {
		return nil, err
	}
	if err := writeRowIndex(indexPath, width, entries); err != nil {
		return nil, err
	}
	return &part{dbPath: dbPath, indexPath: indexPath, width: width, entries: entries}, nil
}

func writeRecords(path string, width int, entries []partEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "hashlist: creating %s", path)
	}
	defer f.Close()
	rec := make([]byte, recordSize(width))
	for _, e := range entries {
		copy(rec, e.hash)
		putLe32(rec[width:], e.row)
		if _, err := f.Write(rec); err != nil {
			return errors.Wrapf(err, "hashlist: writing %s", path)
		}
	}
	return f.Sync()
}

// writeRowIndex writes the row -> file-offset permutation needed for
// Find: index[row] is meaningless unless row falls in the range covered
// by entries, so the file is sized to the maximum row seen and any gaps
// (rows that belong to a different part) are left as the sentinel
// 0xFFFFFFFF.
func writeRowIndex(path string, width int, entries []partEntry) error {
	maxRow := uint32(0)
	for _, e := range entries {
		if e.row > maxRow {
			maxRow = e.row
		}
	}
	buf := make([]byte, (maxRow+1)*4)
	for i := range buf {
		buf[i] = 0xFF
	}
	for i, e := range entries {
		off := uint32(i * recordSize(width))
		putLe32(buf[e.row*4:], off)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "hashlist: creating %s", path)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

func (p *part) findRow(row uint32) ([]byte, bool) {
	for _, e := range p.entries {
		if e.row == row {
			return e.hash, true
		}
	}
	return nil, false
}

// lookup returns the row of the most recently appended occurrence of hash
// within this part (entries are sorted with duplicate-hash groups
// contiguous and ascending by row, so the match is the last one in the
// block).
func (p *part) lookup(hash []byte) (uint32, bool) {
	i := sort.Search(len(p.entries), func(i int) bool {
		return !reversedLess(p.entries[i].hash, hash)
	})
	found := false
	var row uint32
	for ; i < len(p.entries) && reversedEqual(p.entries[i].hash, hash); i++ {
		row = p.entries[i].row
		found = true
	}
	return row, found
}

func (p *part) removeFiles() error {
	if err := os.Remove(p.dbPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(p.indexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type partCursor struct {
	entries []partEntry
	pos     int
}

func (c *partCursor) next() (partEntry, bool, error) {
	if c.pos >= len(c.entries) {
		return partEntry{}, false, nil
	}
	e := c.entries[c.pos]
	c.pos++
	return e, true, nil
}

func (p *part) newCursor() (cursor, error) {
	return &partCursor{entries: p.entries}, nil
}
