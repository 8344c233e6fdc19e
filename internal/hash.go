package internal

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// SHA256sum computes a cryptographic hash of text and returns it hex encoded.
func SHA256sum(text []byte) string {
	hash := sha256.Sum256(text)
	return hex.EncodeToString(hash[:])
}

// FastHash is a non-cryptographic hash used for lock striping where
// collision resistance does not matter.
func FastHash(text string) uint64 {
	return xxhash.Sum64String(text)
}
