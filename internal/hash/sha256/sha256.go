// Package sha256 fingerprints captured page sources so identical snapshots can
// be recognised across crawl rounds.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashSource returns the digest of a serialized document, or "" when the
// document is blank so failed captures do not all share one fingerprint.
func (h *Hasher) HashSource(source string) string {
	if strings.TrimSpace(source) == "" {
		return ""
	}
	digest, _ := h.Hash([]byte(source))
	return digest
}
