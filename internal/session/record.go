// Package session persists browser sessions and manages the session cookie.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Auth methods recorded in the payload.
const (
	MethodOIDC  = "oidc"
	MethodLocal = "local"
)

// TokenMaterial is the provider credential held by an SSO session.
// ExpiresAt is Unix seconds taken from the provider's claims.
type TokenMaterial struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Valid reports whether the access token is still usable at now. The
// boundary second is still valid and no skew allowance is applied.
func (t *TokenMaterial) Valid(now time.Time) bool {
	return now.Unix() <= t.ExpiresAt
}

// Payload is the serialized part of a session. A nil Token marks a local
// credential session.
type Payload struct {
	UserID          string         `json:"user_id"`
	ActiveTenantID  string         `json:"active_tenant_id,omitempty"`
	IsPlatformAdmin bool           `json:"is_platform_admin"`
	Method          string         `json:"method"`
	Token           *TokenMaterial `json:"token,omitempty"`
}

// Record is one stored session. ID is the hash of the cookie token, never
// the token itself.
type Record struct {
	ID        string
	Payload   Payload
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the record is past its lifetime at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store is durable session persistence.
type Store interface {
	// Load returns ErrNotFound for unknown and expired sessions.
	Load(ctx context.Context, id string) (*Record, error)
	// Save creates or replaces the record.
	Save(ctx context.Context, rec *Record) error
	// Destroy removes the record. Unknown ids are not an error.
	Destroy(ctx context.Context, id string) error
	// Prune deletes expired records and reports how many were removed.
	Prune(ctx context.Context) (int64, error)
}
