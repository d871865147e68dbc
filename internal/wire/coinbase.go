package wire

// IsCoinbase decides whether a transaction at the given offsetInBlock is
// the block's coinbase. The original sources used two inconsistent rules
// in different places (SpentOuputIndexer.cpp: "> 90",
// Blockchain.cpp's Transaction::isCoinbase: "> 0 && < 100"); this
// repository uses exactly one rule everywhere, per SPEC_FULL.md §13.1.
func IsCoinbase(offsetInBlock int32) bool {
	return offsetInBlock > 0 && offsetInBlock < 100
}
