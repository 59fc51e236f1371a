package repository

import (
	"context"

	"github.com/clanvaro/unigrc/internal/db/models"
	"github.com/clanvaro/unigrc/internal/identity"
)

// UserRepository exposes persistence operations for users and the identity
// data hung off them.
type UserRepository interface {
	identity.Directory

	Create(ctx context.Context, user *models.User) error
	SetPasswordHash(ctx context.Context, id string, passwordHash string) error
	UpdateLastLogin(ctx context.Context, id string) error
	GetPasswordHash(ctx context.Context, email string) (userID, hash string, err error)
	List(ctx context.Context) ([]models.User, error)
}

// TenantRepository exposes persistence operations for tenants, memberships
// and permission grants.
type TenantRepository interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	GetBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	AddMember(ctx context.Context, tenantID, userID string, active bool) error
	RemoveMember(ctx context.Context, tenantID, userID string) error
	GrantPermission(ctx context.Context, userID, permission string) error
}
