// Package gitblob computes the identifiers git assigns to blob objects, which
// is what the repository listing reports for each file. Verifying a download
// against the listing therefore means hashing the git object framing, not the
// bare content.
package gitblob

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
)

// Hasher accumulates a blob's content and produces its git object id. The
// framing git hashes is "blob <size>\x00" followed by the content, so the
// final size must be known up front; the repository listing carries it.
type Hasher struct {
	h hash.Hash
}

// New returns a Hasher primed for a blob of the given size.
func New(size int64) *Hasher {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", size)
	return &Hasher{h: h}
}

func (g *Hasher) Write(p []byte) (int, error) {
	return g.h.Write(p)
}

// Sum returns the object id for the content written so far, in the lowercase
// hex form the listing uses.
func (g *Hasher) Sum() string {
	return hex.EncodeToString(g.h.Sum(nil))
}

// Sum is the buffered convenience for content already in memory.
func Sum(data []byte) string {
	g := New(int64(len(data)))
	g.Write(data)
	return g.Sum()
}
