// Package sha384 computes the content digests that key the document cache.
package sha384

import (
	"crypto/sha512"
	"encoding/hex"
)

// ObjectPrefix is the object-store key prefix for content-addressed files.
const ObjectPrefix = "file-by-sha384/"

// Hasher produces lowercase hex SHA-384 digests.
type Hasher struct{}

// New returns a SHA-384 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha512.Sum384(data)
	return hex.EncodeToString(sum[:]), nil
}

// ObjectKey maps a digest to its object-store key.
func ObjectKey(digest string) string {
	return ObjectPrefix + digest
}
