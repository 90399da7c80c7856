// Package sha256 provides the streaming content fingerprint used for deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
)

// Digest accumulates a SHA-256 over bytes written to it.
type Digest struct {
	h hash.Hash
	n int64
}

// New returns an empty Digest.
func New() *Digest {
	return &Digest{h: sha256.New()}
}

// Write feeds p into the running hash. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	n, _ := d.h.Write(p)
	d.n += int64(n)
	return n, nil
}

// Size returns the number of bytes hashed so far.
func (d *Digest) Size() int64 {
	return d.n
}

// Fingerprint returns the base64 (std) encoding of the digest.
func (d *Digest) Fingerprint() string {
	return base64.StdEncoding.EncodeToString(d.h.Sum(nil))
}

// Sum fingerprints data in one shot.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}
