package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// GetHostname returns the local hostname, or a placeholder when the OS
// refuses to tell us.
func GetHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return hostname
}

// HashContent returns the hex SHA-256 of data, used for cheap equality
// checks on observed values.
func HashContent(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
