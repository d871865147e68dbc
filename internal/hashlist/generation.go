package hashlist

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

var errNoSuchGeneration = errors.New("hashlist: no such generation on disk")

// generation is one rolling "db" within a Storage: a write log for recent
// appends, zero or more sorted parts awaiting merge, and an optional
// finalized (mmap'd) sorted db+index pair.
type generation struct {
	dir      string
	baseName string
	index    uint32
	width    int

	logFile     *os.File
	logMap      map[string]uint32 // hash bytes -> most recently assigned row, for Lookup
	logRows     uint32            // rows written to logFile since the last flush
	nextRow     uint32            // next row to assign, dense across the whole generation
	firstLogRow uint32            // row number of the first record currently in logFile

	parts     []*part
	finalized *finalizedPart
}

func newGeneration(dir, baseName string, idx uint32, width int) (*generation, error) {
	g := &generation{dir: dir, baseName: baseName, index: idx, width: width, logMap: make(map[string]uint32)}
	f, err := os.OpenFile(generationPath(dir, baseName, idx, ".log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "hashlist: creating log file")
	}
	g.logFile = f
	return g, nil
}

// openGeneration reconstructs a generation from disk: a finalized db/index
// if present, any leftover sorted parts, and the write log replayed into
// logMap. Returns errNoSuchGeneration if idx has no files at all, which the
// caller uses to detect the end of the generation sequence.
func openGeneration(dir, baseName string, idx uint32, width int) (*generation, error) {
	logPath := generationPath(dir, baseName, idx, ".log")
	dbPath := generationPath(dir, baseName, idx, ".db")
	_, errLog := os.Stat(logPath)
	_, errDb := os.Stat(dbPath)
	if os.IsNotExist(errLog) && os.IsNotExist(errDb) {
		return nil, errNoSuchGeneration
	}
	g := &generation{dir: dir, baseName: baseName, index: idx, width: width, logMap: make(map[string]uint32)}

	if errDb == nil {
		fp, err := openFinalizedPart(dbPath, generationPath(dir, baseName, idx, ".index"), width)
		if err != nil {
			return nil, err
		}
		g.finalized = fp
		g.nextRow = fp.rowCount
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "hashlist: reopening log file")
	}
	g.logFile = f

	if err := g.replayLog(); err != nil {
		return nil, err
	}
	return g, nil
}

// replayLog rebuilds logMap and nextRow/logRows from the raw hash bytes
// already on disk in logFile, used when reopening after a restart.
func (g *generation) replayLog() error {
	info, err := g.logFile.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size%int64(g.width) != 0 {
		// torn write from a crash mid-append: truncate to the last whole record.
		size -= size % int64(g.width)
		if err := g.logFile.Truncate(size); err != nil {
			return err
		}
	}
	buf := make([]byte, size)
	if _, err := g.logFile.ReadAt(buf, 0); err != nil {
		return err
	}
	rows := uint32(size) / uint32(g.width)
	g.firstLogRow = g.nextRow
	for i := uint32(0); i < rows; i++ {
		h := buf[i*uint32(g.width) : (i+1)*uint32(g.width)]
		g.logMap[string(h)] = g.nextRow
		g.nextRow++
	}
	g.logRows = rows
	return nil
}

// append writes hash to the log and returns its assigned row.
func (g *generation) append(hash []byte) (uint32, error) {
	if _, err := g.logFile.Write(hash); err != nil {
		return 0, errors.Wrap(err, "hashlist: appending to log")
	}
	row := g.nextRow
	g.nextRow++
	g.logRows++
	g.logMap[string(hash)] = row
	return row, nil
}

// flushLogToPart sorts the current log's entries by byte-reversed hash and
// writes them as a new part, then truncates the log. It reads every record
// straight from logFile rather than logMap: logMap is deduped to the most
// recent row per hash (what Lookup wants), but a part must still contain
// every row ever handed out by Append, including rows later shadowed by a
// duplicate append of the same hash, or Find on an older RowID would break.
func (g *generation) flushLogToPart() error {
	if g.logRows == 0 {
		return nil
	}
	buf := make([]byte, int(g.logRows)*g.width)
	if _, err := g.logFile.ReadAt(buf, 0); err != nil {
		return errors.Wrap(err, "hashlist: reading log for flush")
	}
	entries := make([]partEntry, g.logRows)
	for i := uint32(0); i < g.logRows; i++ {
		h := make([]byte, g.width)
		copy(h, buf[int(i)*g.width:int(i+1)*g.width])
		entries[i] = partEntry{hash: h, row: g.firstLogRow + i}
	}
	sortEntries(entries, g.width)

	partIdx := len(g.parts)
	p, err := writePart(g.dir, g.baseName, g.index, partIdx, g.width, entries)
	if err != nil {
		return err
	}
	g.parts = append(g.parts, p)

	g.logMap = make(map[string]uint32)
	g.logRows = 0
	g.firstLogRow = g.nextRow
	if err := g.logFile.Truncate(0); err != nil {
		return err
	}
	if _, err := g.logFile.Seek(0, 0); err != nil {
		return err
	}
	return nil
}

// mergeParts k-way merges every current part plus any existing finalized
// file into one new finalized db+index pair, then deletes the inputs.
func (g *generation) mergeParts() error {
	inputs := make([]sortedSource, 0, len(g.parts)+1)
	if g.finalized != nil {
		inputs = append(inputs, g.finalized)
	}
	for _, p := range g.parts {
		inputs = append(inputs, p)
	}
	if len(inputs) == 0 {
		return nil
	}
	newFinalized, err := mergeSorted(g.dir, g.baseName, g.index, g.width, inputs)
	if err != nil {
		return err
	}

	oldFinalized := g.finalized
	oldParts := g.parts
	g.finalized = newFinalized
	g.parts = nil

	if oldFinalized != nil {
		if err := oldFinalized.removeFiles(); err != nil {
			return err
		}
	}
	for _, p := range oldParts {
		if err := p.removeFiles(); err != nil {
			return err
		}
	}
	return nil
}

func (g *generation) find(row uint32) ([]byte, error) {
	if g.finalized != nil && row < g.finalized.rowCount {
		return g.finalized.find(row)
	}
	for i := len(g.parts) - 1; i >= 0; i-- {
		if h, ok := g.parts[i].findRow(row); ok {
			return h, nil
		}
	}
	if row >= g.firstLogRow && row < g.firstLogRow+g.logRows {
		h := make([]byte, g.width)
		off := int64(row-g.firstLogRow) * int64(g.width)
		if _, err := g.logFile.ReadAt(h, off); err != nil {
			return nil, errors.Wrap(err, "hashlist: reading log for find")
		}
		return h, nil
	}
	return nil, ErrRowNotFound
}

func (g *generation) lookup(hash []byte) (uint32, bool, error) {
	if row, ok := g.logMap[string(hash)]; ok {
		return row, true, nil
	}
	for i := len(g.parts) - 1; i >= 0; i-- {
		if row, ok := g.parts[i].lookup(hash); ok {
			return row, true, nil
		}
	}
	if g.finalized != nil {
		if row, ok, err := g.finalized.lookup(hash); err != nil {
			return 0, false, err
		} else if ok {
			return row, true, nil
		}
	}
	return 0, false, nil
}

func (g *generation) close() error {
	var firstErr error
	if g.finalized != nil {
		if err := g.finalized.close(); err != nil {
			firstErr = err
		}
	}
	if g.logFile != nil {
		if err := g.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func putLe32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
