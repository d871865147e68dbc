// Package hashlist implements the append-only hash-to-rowid dictionary
// (HashStorage in spec.md §4.1): a three-tier write log -> sorted parts ->
// finalized db, with byte-reversed sort order and a 256-entry jumptable for
// O(log n) lookups against mmap'd finalized files.
package hashlist

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	logv3 "github.com/erigontech/erigon-lib/log/v3"
)

// partFlushThreshold is the in-memory log size (row count) at which the
// current log is sorted into a new part and truncated. ~932,064 matches
// spec.md §4.1's figure: a fixed-width 32-byte-hash part file at this size
// lands just under a round 32 MiB on disk.
const partFlushThreshold = 932064

// maxPartsBeforeMerge is the part count at which the generation
// automatically k-way merges its parts (and any existing finalized file)
// into a single finalized db+index pair, per spec.md's "when part count
// exceeds 7".
const maxPartsBeforeMerge = 7

// RowID addresses one hash within a Storage: DB selects the rolling
// generation (advanced by Finalize), Row is dense from zero within that
// generation.
type RowID struct {
	DB  uint32
	Row uint32
}

// ErrRowNotFound is returned by Find for a RowID with no matching record.
var ErrRowNotFound = errors.New("hashlist: row not found")

// ErrDuplicateHash signals that the same row was found recorded twice
// across a generation's parts/finalized file during a merge -- a
// corrupted or overlapping part set, never a legitimate outcome of
// Append (which always advances to a fresh row).
var ErrDuplicateHash = errors.New("hashlist: duplicate row across parts")

// Storage is the hash<->rowid dictionary for one logical index (the
// transaction-id HashStorage, or one AddressIndexer's 160-bit address
// HashStorage). All exported methods are safe for concurrent use.
type Storage struct {
	mu       sync.Mutex
	dir      string
	baseName string
	width    int // 32 for Hash256, 20 for Hash160
	log      logv3.Logger

	generations []*generation
}

// Open opens (or creates) a Storage rooted at dir/baseName, with every
// hash width bytes wide. It scans dir for any existing generation files
// (<baseName>-N.log, *_PP.db/.index, *.db/.index) and rebuilds state from
// them.
func Open(dir, baseName string, width int, log logv3.Logger) (*Storage, error) {
	if log == nil {
		log = logv3.Root()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "hashlist: creating %s", dir)
	}
	s := &Storage{dir: dir, baseName: baseName, width: width, log: log}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	if len(s.generations) == 0 {
		g, err := newGeneration(dir, baseName, 0, width)
		if err != nil {
			return nil, err
		}
		s.generations = append(s.generations, g)
	}
	return s, nil
}

// loadExisting reconstructs generations 0..N from whatever generation 0's
// directory already holds. A production deployment restarting after a
// crash relies on this to resume exactly where it left off; an absent
// generation 0 means a brand-new Storage.
func (s *Storage) loadExisting() error {
	for idx := uint32(0); ; idx++ {
		g, err := openGeneration(s.dir, s.baseName, idx, s.width)
		if errors.Is(err, errNoSuchGeneration) {
			return nil
		}
		if err != nil {
			return err
		}
		s.generations = append(s.generations, g)
	}
}

func (s *Storage) current() *generation {
	return s.generations[len(s.generations)-1]
}

// Append adds hash to the current generation and returns its stable RowID.
func (s *Storage) Append(hash []byte) (RowID, error) {
	if len(hash) != s.width {
		return RowID{}, errors.Errorf("hashlist: hash is %d bytes, want %d", len(hash), s.width)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.current()
	row, err := g.append(hash)
	if err != nil {
		return RowID{}, err
	}
	if g.logRows >= partFlushThreshold {
		if err := g.flushLogToPart(); err != nil {
			return RowID{}, err
		}
		if len(g.parts) > maxPartsBeforeMerge {
			if err := g.mergeParts(); err != nil {
				return RowID{}, err
			}
		}
	}
	return RowID{DB: g.index, Row: row}, nil
}

// Find returns the hash previously appended at id.
func (s *Storage) Find(id RowID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id.DB) >= len(s.generations) {
		return nil, ErrRowNotFound
	}
	return s.generations[id.DB].find(id.Row)
}

// Lookup searches every generation, most recent first, for hash.
func (s *Storage) Lookup(hash []byte) (RowID, bool, error) {
	if len(hash) != s.width {
		return RowID{}, false, errors.Errorf("hashlist: hash is %d bytes, want %d", len(hash), s.width)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.generations) - 1; i >= 0; i-- {
		g := s.generations[i]
		row, ok, err := g.lookup(hash)
		if err != nil {
			return RowID{}, false, err
		}
		if ok {
			return RowID{DB: g.index, Row: row}, true, nil
		}
	}
	return RowID{}, false, nil
}

// Finalize closes the current generation (merging its log, parts and any
// existing finalized file into one sorted db+index pair) and opens a new
// empty generation.
func (s *Storage) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.current()
	if err := g.flushLogToPart(); err != nil {
		return err
	}
	if len(g.parts) > 0 || g.finalized == nil {
		if err := g.mergeParts(); err != nil {
			return err
		}
	}
	s.log.Info("hashlist: finalized generation", "base", s.baseName, "generation", g.index)
	ng, err := newGeneration(s.dir, s.baseName, g.index+1, s.width)
	if err != nil {
		return err
	}
	s.generations = append(s.generations, ng)
	return nil
}

// Close releases mmap'd finalized files.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, g := range s.generations {
		if err := g.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func generationPath(dir, baseName string, idx uint32, suffix string) string {
	return filepath.Join(dir, baseName+"-"+strconv.FormatUint(uint64(idx), 10)+suffix)
}
