package czi

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"
)

// hashAccumulator is the fixed 256-bit hash from spec.md §4.8: fed with
// primary_file_guid, then file_guid, then the full metadata XML bytes, in
// that exact order. Backed by minio/sha256-simd for its SIMD-accelerated
// SHA-256 (see SPEC_FULL.md §3) rather than crypto/sha256.
type hashAccumulator struct {
	h interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
}

func newHashAccumulator() *hashAccumulator {
	return &hashAccumulator{h: sha256.New()}
}

func (a *hashAccumulator) updateBytes(b []byte) {
	a.h.Write(b)
}

// updateString feeds s followed by a single null terminator, matching the
// "null_terminated" operation named in spec.md §4.8.
func (a *hashAccumulator) updateString(s string) {
	a.h.Write([]byte(s))
	a.h.Write([]byte{0})
}

// finalize returns the lowercase hexadecimal digest published as
// openslide.quickhash-1.
func (a *hashAccumulator) finalize() string {
	return hex.EncodeToString(a.h.Sum(nil))
}

// ComputeQuickHash1 runs FeedHash against a fresh accumulator and returns
// the resulting digest, per spec.md §4.8. Exported so callers outside this
// package (internal/slide's Open) never need to construct a
// hashAccumulator themselves.
func (c *Czi) ComputeQuickHash1() string {
	acc := newHashAccumulator()
	c.FeedHash(acc)
	return acc.finalize()
}
