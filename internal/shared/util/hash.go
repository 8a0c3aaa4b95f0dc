package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the hex SHA-256 checksum of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
