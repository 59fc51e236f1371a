package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// DefaultLifetime is how long a session and its cookie live.
	DefaultLifetime = 7 * 24 * time.Hour

	// TokenLength is the length of generated cookie tokens in bytes
	TokenLength = 32
)

// NewToken generates a random cookie token and the store id derived from it.
func NewToken() (token, id string, err error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate random token: %w", err)
	}
	token = hex.EncodeToString(b)
	return token, HashToken(token), nil
}

// HashToken maps a cookie token to its store id (SHA256 hex).
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
