// Package identity holds the user identity model, the process-local identity
// cache and the loader that fills it from the user directory.
package identity

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrUserNotFound is returned by a Directory when the user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserDisabled is returned by UpsertUser when the matching user has
	// been disabled.
	ErrUserDisabled = errors.New("user disabled")

	// ErrIncompleteClaims is returned by UpsertUser when no user matches and
	// the claims lack what is needed to create one.
	ErrIncompleteClaims = errors.New("claims insufficient to provision user")
)

// UserProfile is the part of a user record the request path needs.
type UserProfile struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Username        string `json:"username,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	IsPlatformAdmin bool   `json:"is_platform_admin"`
}

// TenantMembership is one tenant a user belongs to.
type TenantMembership struct {
	TenantID string `json:"tenant_id"`
	IsActive bool   `json:"is_active"`
}

// ExternalClaims is what the identity provider asserts about a user at login.
type ExternalClaims struct {
	Subject     string
	Email       string
	Username    string
	DisplayName string
}

// Directory is the source of truth for users, memberships and permissions.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*UserProfile, error)
	GetUserByEmail(ctx context.Context, email string) (*UserProfile, error)
	// UpsertUser matches on email first, then on provider subject, and
	// creates the user when neither matches. A disabled match yields
	// ErrUserDisabled.
	UpsertUser(ctx context.Context, claims ExternalClaims) (*UserProfile, error)
	// GetUserTenants returns memberships in their stored order.
	GetUserTenants(ctx context.Context, userID string) ([]TenantMembership, error)
	GetUserPermissions(ctx context.Context, userID string) ([]string, error)
}

// NormalizePermissions returns a sorted copy of perms without duplicates or
// empty entries.
func NormalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// HasTenant reports whether tenantID is one of the memberships.
func HasTenant(memberships []TenantMembership, tenantID string) bool {
	return slices.ContainsFunc(memberships, func(m TenantMembership) bool {
		return m.TenantID == tenantID
	})
}
