package hashlist

import (
	"os"

	"github.com/pkg/errors"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/holiman/bloomfilter/v2"
)

// jumptableSize mirrors HashList::m_offsets: one entry per possible value of
// the hash's last byte (which sorts first under the byte-reversed order),
// giving the byte offset of that section's first record.
const jumptableSize = 256

// finalizedPart is a generation's merged, sorted db+index pair, mmap'd
// read-only for the lifetime of the Storage. lookup() does not allocate;
// find() returns a freshly allocated copy of the stored hash.
type finalizedPart struct {
	dbPath    string
	indexPath string
	width     int
	rowCount  uint32

	dbFile    *os.File
	indexFile *os.File
	db        mmap.MMap
	index     mmap.MMap
	bloom     *bloomfilter.Filter

	offsets [jumptableSize]uint32
}

func openFinalizedPart(dbPath, indexPath string, width int) (*finalizedPart, error) {
	dbFile, err := os.Open(dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "hashlist: opening %s", dbPath)
	}
	indexFile, err := os.Open(indexPath)
	if err != nil {
		dbFile.Close()
		return nil, errors.Wrapf(err, "hashlist: opening %s", indexPath)
	}
	fp := &finalizedPart{dbPath: dbPath, indexPath: indexPath, width: width, dbFile: dbFile, indexFile: indexFile}

	if bloom, err := readBloom(bloomPath(dbPath)); err == nil {
		fp.bloom = bloom
	}

	info, err := dbFile.Stat()
	if err != nil {
		fp.close()
		return nil, err
	}
	if info.Size() > 0 {
		db, err := mmap.Map(dbFile, mmap.RDONLY, 0)
		if err != nil {
			fp.close()
			return nil, errors.Wrap(err, "hashlist: mmapping db")
		}
		fp.db = db
		fp.rowCount = uint32(info.Size()) / uint32(recordSize(width))

		idx, err := mmap.Map(indexFile, mmap.RDONLY, 0)
		if err != nil {
			fp.close()
			return nil, errors.Wrap(err, "hashlist: mmapping index")
		}
		fp.index = idx
		fp.fillOffsetsTable()
	}
	return fp, nil
}

// fillOffsetsTable is HashList::fillOffsetsTable: a single linear scan that
// records, for every possible value of a hash's last byte, the offset of
// the first record whose reversed-order key starts with that byte.
func (fp *finalizedPart) fillOffsetsTable() {
	rs := uint32(recordSize(fp.width))
	var data, offset uint32
	total := uint32(len(fp.db))
	for offset < total {
		x := fp.db[offset+uint32(fp.width)-1]
		if uint32(x) > data {
			for data < uint32(x) {
				data++
				fp.offsets[data] = offset
			}
		}
		offset += rs
	}
	for data < jumptableSize-1 {
		data++
		fp.offsets[data] = offset
	}
}

// find returns the hash stored at row, via the reverse-lookup index that
// maps dense row numbers to their position in the sorted db file.
func (fp *finalizedPart) find(row uint32) ([]byte, error) {
	if row >= fp.rowCount {
		return nil, ErrRowNotFound
	}
	pos := le32(fp.index[row*4 : row*4+4])
	rs := uint32(recordSize(fp.width))
	rec := fp.db[pos*rs : pos*rs+rs]
	h := make([]byte, fp.width)
	copy(h, rec[:fp.width])
	return h, nil
}

func bloomPath(dbPath string) string {
	return dbPath + ".bloom"
}

// lookup binary-searches the sorted db file for hash, restricted to the
// jumptable section for hash's last byte. A bloom filter fast-rejects
// misses before the mmap is ever touched, when one is available.
func (fp *finalizedPart) lookup(hash []byte) (uint32, bool, error) {
	if fp.db == nil {
		return 0, false, nil
	}
	if fp.bloom != nil && !fp.bloom.ContainsHash(bloomHash(hash)) {
		return 0, false, nil
	}
	rs := recordSize(fp.width)
	lastByte := hash[fp.width-1]
	start := int(fp.offsets[lastByte]) / rs
	var end int
	if lastByte == 0xFF {
		end = len(fp.db) / rs
	} else {
		end = int(fp.offsets[lastByte+1]) / rs
	}
	end--
	lo, hi := start, end
	for lo <= hi {
		m := (lo + hi) / 2
		rec := fp.db[m*rs : m*rs+rs]
		if reversedEqual(rec[:fp.width], hash) {
			// Records of one hash sit next to each other; answer with the
			// highest (most recently appended) row among them.
			row := le32(rec[fp.width:])
			for _, step := range [2]int{-1, 1} {
				for k := m + step; k >= start && k <= end; k += step {
					next := fp.db[k*rs : k*rs+rs]
					if !reversedEqual(next[:fp.width], hash) {
						break
					}
					if r := le32(next[fp.width:]); r > row {
						row = r
					}
				}
			}
			return row, true, nil
		}
		if reversedLess(rec[:fp.width], hash) {
			lo = m + 1
		} else {
			hi = m - 1
		}
	}
	return 0, false, nil
}

// newCursor returns entries in sorted-key order (not row order): mergeSorted
// wants every sortedSource to yield entries in key order, and the db file
// already is key-ordered, so a plain sequential scan of fp.db suffices.
func (fp *finalizedPart) newCursor() (cursor, error) {
	return &finalizedCursor{fp: fp}, nil
}

type finalizedCursor struct {
	fp  *finalizedPart
	pos uint32
}

func (c *finalizedCursor) next() (partEntry, bool, error) {
	if c.fp.db == nil || c.pos >= c.fp.rowCount {
		return partEntry{}, false, nil
	}
	rs := uint32(recordSize(c.fp.width))
	rec := c.fp.db[c.pos*rs : c.pos*rs+rs]
	h := make([]byte, c.fp.width)
	copy(h, rec[:c.fp.width])
	e := partEntry{hash: h, row: le32(rec[c.fp.width:])}
	c.pos++
	return e, true, nil
}

func (fp *finalizedPart) removeFiles() error {
	if err := os.Remove(fp.dbPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(fp.indexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(bloomPath(fp.dbPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fp *finalizedPart) close() error {
	var firstErr error
	if fp.db != nil {
		if err := fp.db.Unmap(); err != nil {
			firstErr = err
		}
	}
	if fp.index != nil {
		if err := fp.index.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if fp.dbFile != nil {
		if err := fp.dbFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if fp.indexFile != nil {
		if err := fp.indexFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
