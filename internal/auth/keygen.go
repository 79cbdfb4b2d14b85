package auth

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateAPIKey produces a fresh 32-byte random API key, hex-encoded, from
// a cryptographically secure source.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
