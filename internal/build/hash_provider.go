package build

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the cache key for a source buffer: the hex SHA-256 of
// its bytes. Equal sources always produce equal keys.
func ContentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
