package hashlist

import (
	"encoding/binary"
	"os"

	"github.com/holiman/bloomfilter/v2"
	"github.com/pkg/errors"
)

// bloomFalsePositiveRate targets a small fast-reject filter per finalized
// part: misses on Lookup are the common case once a generation is old, and
// this avoids the mmap binary search entirely for them.
const bloomFalsePositiveRate = 0.001

// bloomHash collapses a hash (20 or 32 bytes in this repo) into the 64-bit
// input bloomfilter.Filter wants, reusing the hash's own leading bytes
// rather than rehashing: a hash160/txid already has full entropy there.
func bloomHash(hash []byte) uint64 {
	var buf [8]byte
	copy(buf[:], hash)
	return binary.LittleEndian.Uint64(buf[:])
}

func buildBloom(entries []partEntry) (*bloomfilter.Filter, error) {
	n := uint64(len(entries))
	if n == 0 {
		n = 1
	}
	f, err := bloomfilter.NewOptimal(n, bloomFalsePositiveRate)
	if err != nil {
		return nil, errors.Wrap(err, "hashlist: creating bloom filter")
	}
	for _, e := range entries {
		f.AddHash(bloomHash(e.hash))
	}
	return f, nil
}

func writeBloom(path string, f *bloomfilter.Filter) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "hashlist: creating %s", path)
	}
	defer file.Close()
	if _, err := f.WriteTo(file); err != nil {
		return errors.Wrap(err, "hashlist: writing bloom filter")
	}
	return file.Sync()
}

// readBloom loads path's filter, returning (nil, nil) if it doesn't exist:
// callers treat a missing filter as "no fast-reject available", not an error,
// since the filter is a pure performance optimization over the mmap search.
func readBloom(path string) (*bloomfilter.Filter, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	f, _, err := bloomfilter.ReadFrom(file)
	if err != nil {
		return nil, errors.Wrap(err, "hashlist: reading bloom filter")
	}
	return f, nil
}
