package uodb

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// checkpoint mirrors AbstractCommand::CheckPoint: a snapshot of where the
// writer had gotten to, paired with a hash of the jumptable bytes that
// follow the header in the same .info file.
type checkpoint struct {
	lastBlockID           wire.Hash256
	jumptableHash         wire.Hash256
	firstBlockHeight      int32
	lastBlockHeight       int32
	positionInFile        int64
	changesSincePrune     int32
	initialBucketSegments int32
	isTip                 bool
}

// hashJumptable is calcChecksum: double-SHA256 of the raw 4 MiB jumptable,
// used to detect a torn write of the .info file's tail.
func hashJumptable(table []byte) wire.Hash256 {
	first := sha256.Sum256(table)
	second := sha256.Sum256(first[:])
	var h wire.Hash256
	copy(h[:], second[:])
	return h
}

func infoPath(dbPath string, slot int) string {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	base = base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(dir, base+"."+strconv.Itoa(slot)+".info")
}

// writeCheckpoint persists cp and the current jumptable contents to slot,
// replacing whatever was there (round-robin ring, §4.2).
func writeCheckpoint(pool *bufpool.Pool, dbPath string, slot int, cp checkpoint, table []byte) error {
	b := cmf.NewBuilder(pool)
	b.AddBool(Tag_IsTip, cp.isTip)
	b.AddInt(Tag_ChangesSincePrune, int64(cp.changesSincePrune))
	b.AddInt(Tag_InitialBucketSegmentSize, int64(cp.initialBucketSegments))
	b.AddInt(Tag_FirstBlockHeight, int64(cp.firstBlockHeight))
	b.AddInt(Tag_LastBlockHeight, int64(cp.lastBlockHeight))
	b.AddBytes(Tag_LastBlockId, cp.lastBlockID[:])
	jh := hashJumptable(table)
	b.AddBytes(Tag_JumpTableHash, jh[:])
	b.AddInt(Tag_PositionInFile, cp.positionInFile)
	b.AddSeparator()
	header := b.Commit()

	path := infoPath(dbPath, slot)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "uodb: creating %s", path)
	}
	defer f.Close()
	if _, err := f.Write(header.Bytes()); err != nil {
		return err
	}
	if _, err := f.Write(table); err != nil {
		return err
	}
	return f.Sync()
}

// readCheckpoint parses slot's header and verifies its jumptableHash
// against the table bytes that follow. A verification failure returns a
// non-nil error; the caller falls back to an older slot.
func readCheckpoint(dbPath string, slot int) (checkpoint, []byte, error) {
	path := infoPath(dbPath, slot)
	raw, err := os.ReadFile(path)
	if err != nil {
		return checkpoint{}, nil, err
	}
	p := cmf.NewParserBytes(raw)
	var cp checkpoint
	headerEnd := -1
loop:
	for {
		r := p.Next()
		switch r {
		case cmf.ParseError:
			return checkpoint{}, nil, errors.Errorf("uodb: malformed info file %s", path)
		case cmf.EndOfDocument:
			return checkpoint{}, nil, errors.Errorf("uodb: truncated info file %s", path)
		}
		switch p.Tag() {
		case Tag_IsTip:
			cp.isTip = p.Bool()
		case Tag_ChangesSincePrune:
			cp.changesSincePrune = int32(p.Int())
		case Tag_InitialBucketSegmentSize:
			cp.initialBucketSegments = int32(p.Int())
		case Tag_FirstBlockHeight:
			cp.firstBlockHeight = int32(p.Int())
		case Tag_LastBlockHeight:
			cp.lastBlockHeight = int32(p.Int())
		case Tag_LastBlockId:
			copy(cp.lastBlockID[:], p.Bytes())
		case Tag_JumpTableHash:
			copy(cp.jumptableHash[:], p.Bytes())
		case Tag_PositionInFile:
			cp.positionInFile = p.Int()
		case cmf.Separator:
			headerEnd = p.Pos()
			break loop
		}
	}
	table := raw[headerEnd:]
	if len(table) != jumptableBytes {
		return checkpoint{}, nil, errors.Errorf("uodb: info file %s has a %d-byte jumptable, want %d", path, len(table), jumptableBytes)
	}
	if hashJumptable(table) != cp.jumptableHash {
		return checkpoint{}, nil, errors.Errorf("uodb: info file %s failed jumptable checksum", path)
	}
	return cp, table, nil
}

// loadLatestCheckpoint scans every slot and returns the one with the
// highest lastBlockHeight that verifies, per spec.md §8 property 5.
func loadLatestCheckpoint(dbPath string) (checkpoint, []byte, bool) {
	var best checkpoint
	var bestTable []byte
	found := false
	for slot := 0; slot < checkpointSlots; slot++ {
		cp, table, err := readCheckpoint(dbPath, slot)
		if err != nil {
			continue
		}
		if !found || cp.lastBlockHeight > best.lastBlockHeight {
			best, bestTable, found = cp, table, true
		}
	}
	return best, bestTable, found
}
