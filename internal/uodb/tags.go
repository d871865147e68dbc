// Package uodb implements the UnspentOutputDatabase: a crash-consistent,
// append-only key/value store keyed by (txid, outIndex) with value
// (blockHeight, offsetInBlock), addressed through a fixed 2^20-bucket
// jumptable. Grounded on original_source/unspentdb/AbstractCommand.cpp's
// tag reader (the CLI parses the same on-disk format the writer produces).
package uodb

import "github.com/flowee-go/hubindex/internal/cmf"

// Tag values for leaf, bucket and checkpoint records, as read by the
// teacher's own unspentdb CLI (AbstractCommand::readLeaf/readBucket/
// readInfoFile) -- this repository's writer must agree with that reader
// byte for byte.
const (
	Tag_TXID                  = 1
	Tag_OutIndex               = 2
	Tag_BlockHeight            = 3
	Tag_OffsetInBlock          = 4
	Tag_CheapHash              = 5
	Tag_LeafPosition           = 6
	Tag_LeafPosRelToBucket     = 7
	Tag_LeafPosOn512MB         = 8
	Tag_LeafPosFromPrevLeaf    = 9
	Tag_IsTip                  = 10
	Tag_InvalidBlockHash       = 11
	Tag_ChangesSincePrune      = 12
	Tag_InitialBucketSegmentSize = 13
	Tag_LastBlockId            = 14
	Tag_FirstBlockHeight       = 15
	Tag_LastBlockHeight        = 16
	Tag_JumpTableHash          = 17
	Tag_PositionInFile         = 18
)

// Separator is cmf.Separator, re-exported for readability at call sites
// that otherwise only ever import this package.
const Separator = cmf.Separator

// anchor512MB is the relative-addressing anchor used by LeafPosOn512MB:
// positions beyond 512 MiB are stored as an offset from this point so the
// varint stays small even in a multi-gigabyte db file.
const anchor512MB = 512 * 1024 * 1024

// jumptableBytes is the on-disk and in-memory size of the bucket jumptable:
// 2^20 buckets, 4 bytes (a file offset) each.
const jumptableBytes = bucketCount * 4

// bucketCount is 2^20, the shorthash space.
const bucketCount = 1 << 20

// checkpointSlots is the round-robin ring size for .info files.
const checkpointSlots = 20

// pruneCheckpointInterval forces a checkpoint after this many inserts since
// the last one, independent of BlockFinished calls.
const pruneCheckpointInterval = 50000
