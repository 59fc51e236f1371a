package auth

import (
	"context"
	"slices"
)

// State is the terminal state of one identity resolution.
type State string

const (
	StateLocalAuthValid State = "local_auth_valid"
	StateOAuthValid     State = "oauth_valid"
	StateDevFallback    State = "dev_fallback"
	StateRejected       State = "rejected"
)

// ResolvedIdentity is the caller identity attached to a request. It is
// rebuilt on every request and never shared between requests.
type ResolvedIdentity struct {
	UserID          string   `json:"user_id"`
	ActiveTenantID  string   `json:"active_tenant_id,omitempty"`
	IsPlatformAdmin bool     `json:"is_platform_admin"`
	Permissions     []string `json:"permissions"`

	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	SessionID   string `json:"-"`
	State       State  `json:"state"`
	// TokenExpiresAt is the provider token expiry in Unix seconds; zero for
	// local and fallback identities.
	TokenExpiresAt int64 `json:"token_expires_at,omitempty"`
}

// HasTenant reports whether a tenant context was resolved.
func (id ResolvedIdentity) HasTenant() bool {
	return id.ActiveTenantID != ""
}

// HasPermission reports whether perm was granted. "*" grants everything.
func (id ResolvedIdentity) HasPermission(perm string) bool {
	return slices.Contains(id.Permissions, perm) || slices.Contains(id.Permissions, "*")
}

type identityContextKey struct{}

// WithIdentity stores the resolved identity on the context for downstream handlers.
func WithIdentity(ctx context.Context, id ResolvedIdentity) context.Context {
	id.Permissions = slices.Clone(id.Permissions)
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the resolved identity from the context.
func IdentityFromContext(ctx context.Context) (ResolvedIdentity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(ResolvedIdentity)
	if !ok {
		return ResolvedIdentity{}, false
	}
	id.Permissions = slices.Clone(id.Permissions)
	return id, true
}
