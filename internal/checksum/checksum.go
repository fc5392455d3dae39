// Package checksum derives content digests and content-addressed keys.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Address returns the storage key for content: "<hex sha-256>.<ext>".
// ext may be given with or without the leading dot; an empty ext yields the bare digest.
// Identical content always maps to the identical key.
func Address(content []byte, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return Sum(content)
	}
	return Sum(content) + "." + ext
}
