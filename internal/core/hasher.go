package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// genesisSeed seeds the hash chain of an empty ledger.
const genesisSeed = "ConsolLedger:genesis:v1"

// HashChain links applied commands:
//
//	hash[n] = SHA-256(hash[n-1] || uint64le(n) || digest[n])
//
// where digest[n] covers the balance legs and positions the command touched.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: sha256.Sum256([]byte(genesisSeed))}
}

// Append extends the chain and returns the new tip.
func (c *HashChain) Append(sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(c.tip)+8+len(digest))
	buf = append(buf, c.tip[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	c.tip = sha256.Sum256(buf)
	return c.tip
}

func (c *HashChain) Tip() [32]byte {
	return c.tip
}

// Reset moves the tip, e.g. to a restored snapshot's hash.
func (c *HashChain) Reset(tip [32]byte) {
	c.tip = tip
}
