package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ApiToken is the long-lived credential the automation process authenticates with.
// Only the SHA-256 of the token is persisted.
type ApiToken struct {
	ID         string
	UserID     string
	TokenHash  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
