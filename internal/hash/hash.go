// Package hash provides content hashing for the blob store.
//
// Blobs are keyed by the lowercase hex BLAKE3-256 digest of their bytes.
// The package provides a Hasher interface for file hashing plus streaming
// helpers used when ingesting content.
package hash

import (
	"encoding/hex"
	"fmt"
	gohash "hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Algorithm is the name of the content hash, used in the blob store layout.
const Algorithm = "blake3"

// Size is the length of a hex-encoded digest.
const Size = 64

// Hasher provides an abstraction for file hashing operations.
type Hasher interface {
	// HashFile computes the hash of the file at the given path.
	HashFile(path string) (string, error)
}

// Blake3Hasher implements Hasher using BLAKE3-256.
type Blake3Hasher struct{}

// NewBlake3Hasher creates a new Blake3Hasher.
func NewBlake3Hasher() *Blake3Hasher {
	return &Blake3Hasher{}
}

// HashFile computes the BLAKE3 hash of the file at the given path.
func (h *Blake3Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	sum, _, err := HashReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return sum, nil
}

// New returns a streaming BLAKE3 hasher.
func New() gohash.Hash {
	return blake3.New()
}

// Encode returns the hex digest of a streaming hasher.
func Encode(h gohash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader hashes everything read from r and returns the digest and byte count.
func HashReader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes returns the digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s is a well-formed lowercase hex digest.
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
