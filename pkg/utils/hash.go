package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortHash returns the first 16 hex digits of the SHA-256 checksum of s.
// Used to fold long or punctuated natural keys (e-mail addresses) into
// identifiers safe for workflow and task ids.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
