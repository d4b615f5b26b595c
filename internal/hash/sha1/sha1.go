// Package sha1 provides the content-address digest used by the stores.
package sha1

import (
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary
	"encoding/hex"
)

// Size is the length of a hex-encoded digest.
const Size = 2 * sha1.Size

// Hasher implements crawler.Hasher using SHA-1.
type Hasher struct{}

// New returns a SHA-1 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a lowercase hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the lowercase hex SHA-1 of data.
func Sum(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // content addressing
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s looks like a digest produced by Sum.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
