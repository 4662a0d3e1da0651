package crypto

import (
	"crypto/subtle"
	"encoding/hex"
)

// APIKeyBytes is the entropy of a generated API key; its hex form is twice as long.
const APIKeyBytes = 32

// NewAPIKey returns a fresh random API key as lowercase hex.
func NewAPIKey() (string, error) {
	b, err := RandBytes(APIKeyBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EqualKeys compares two API keys in constant time.
func EqualKeys(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
