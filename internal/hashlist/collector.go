package hashlist

import (
	"container/heap"
	"os"

	"github.com/pkg/errors"
)

// mergeSorted k-way merges inputs (each already internally sorted by
// reversed-hash order) into one finalized db+index pair for generation
// dbIdx, tracking the output position of every row so writeRowIndex-style
// random access stays O(1). Grounded on HashCollector in the teacher's
// HashStorage.cpp: a tip per source, kept in sorted order, repeatedly
// popping the lowest tip and refilling from its source.
func mergeSorted(dir, baseName string, dbIdx uint32, width int, inputs []sortedSource) (*finalizedPart, error) {
	dbPath := generationPath(dir, baseName, dbIdx, ".db")
	indexPath := generationPath(dir, baseName, dbIdx, ".index")

	dbFile, err := os.OpenFile(dbPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "hashlist: creating %s", dbPath)
	}
	defer dbFile.Close()

	tips := &tipHeap{}
	heap.Init(tips)
	for _, src := range inputs {
		c, err := src.newCursor()
		if err != nil {
			return nil, err
		}
		if err := fillTip(tips, c); err != nil {
			return nil, err
		}
	}

	rs := recordSize(width)
	rec := make([]byte, rs)
	var rowPos []uint32 // rowPos[row] = output position, built as rows are seen out of order
	var maxRow uint32
	seenRow := make(map[uint32]bool)
	var merged []partEntry

	var pos uint32
	for tips.Len() > 0 {
		t := heap.Pop(tips).(tip)
		if seenRow[t.entry.row] {
			return nil, errors.Wrapf(ErrDuplicateHash, "row %d", t.entry.row)
		}
		seenRow[t.entry.row] = true
		if t.entry.row > maxRow {
			maxRow = t.entry.row
		}
		copy(rec, t.entry.hash)
		putLe32(rec[width:], t.entry.row)
		if _, err := dbFile.Write(rec); err != nil {
			return nil, errors.Wrap(err, "hashlist: writing merged db")
		}
		if int(t.entry.row) >= len(rowPos) {
			grown := make([]uint32, t.entry.row+1)
			copy(grown, rowPos)
			rowPos = grown
		}
		rowPos[t.entry.row] = pos
		pos++
		merged = append(merged, t.entry)
		if err := fillTip(tips, t.cur); err != nil {
			return nil, err
		}
	}
	if err := dbFile.Sync(); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(indexPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "hashlist: creating %s", indexPath)
	}
	defer indexFile.Close()
	buf := make([]byte, len(rowPos)*4)
	for row, p := range rowPos {
		putLe32(buf[row*4:], p)
	}
	if _, err := indexFile.Write(buf); err != nil {
		return nil, errors.Wrap(err, "hashlist: writing reverse index")
	}
	if err := indexFile.Sync(); err != nil {
		return nil, err
	}

	bloom, err := buildBloom(merged)
	if err != nil {
		return nil, err
	}
	if err := writeBloom(bloomPath(dbPath), bloom); err != nil {
		return nil, err
	}

	return openFinalizedPart(dbPath, indexPath, width)
}

type tip struct {
	entry partEntry
	cur   cursor
}

// tipHeap orders tips by reversed-hash order, the same order entries are
// written to parts and finalized files in.
type tipHeap []tip

func (h tipHeap) Len() int { return len(h) }
func (h tipHeap) Less(i, j int) bool {
	return reversedLess(h[i].entry.hash, h[j].entry.hash)
}
func (h tipHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *tipHeap) Push(x any)   { *h = append(*h, x.(tip)) }
func (h *tipHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func fillTip(tips *tipHeap, c cursor) error {
	e, ok, err := c.next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	heap.Push(tips, tip{entry: e, cur: c})
	return nil
}
