package uodb

import "hash/fnv"

// cheapHash64 is a cheap, non-cryptographic 64-bit hash of a txid, used for
// bucket selection and as a fast collision pre-check before a leaf's full
// txid is read back (§4.2). FNV-1a is deterministic across restarts with no
// seed to persist, unlike hash/maphash -- and no pack dependency offers a
// SipHash-style 64-bit hash, so this one function is a documented stdlib
// exception (DESIGN.md).
func cheapHash64(txid []byte) uint64 {
	h := fnv.New64a()
	h.Write(txid)
	return h.Sum64()
}

// shorthash selects a txid's bucket: the low 20 bits of its cheap hash.
func shorthash(txid []byte) uint32 {
	return uint32(cheapHash64(txid)) & (bucketCount - 1)
}
