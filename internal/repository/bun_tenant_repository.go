package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/db/models"
)

// ErrTenantNotFound is returned when a tenant lookup has no match.
var ErrTenantNotFound = errors.New("tenant not found")

// BunTenantRepository implements TenantRepository using Bun ORM
type BunTenantRepository struct {
	db *bun.DB
}

func NewBunTenantRepository(db *bun.DB) *BunTenantRepository {
	return &BunTenantRepository{db: db}
}

func (r *BunTenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = bunx.NewID()
	}
	tenant.CreatedAt = time.Now().UTC()
	if _, err := r.db.NewInsert().Model(tenant).Exec(ctx); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (r *BunTenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	tenant := new(models.Tenant)
	err := r.db.NewSelect().Model(tenant).Where("slug = ?", slug).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, slug)
		}
		return nil, fmt.Errorf("get tenant by slug: %w", err)
	}
	return tenant, nil
}

// AddMember appends the user to the tenant. New memberships are listed
// after the user's existing ones. Adding an existing member updates its
// active flag.
func (r *BunTenantRepository) AddMember(ctx context.Context, tenantID, userID string, active bool) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var next int
		err := tx.NewSelect().
			Model((*models.TenantMembership)(nil)).
			ColumnExpr("COALESCE(MAX(position) + 1, 0)").
			Where("user_id = ?", userID).
			Scan(ctx, &next)
		if err != nil {
			return fmt.Errorf("next membership position: %w", err)
		}

		m := &models.TenantMembership{
			ID:        bunx.NewID(),
			UserID:    userID,
			TenantID:  tenantID,
			IsActive:  active,
			Position:  next,
			CreatedAt: time.Now().UTC(),
		}
		_, err = tx.NewInsert().
			Model(m).
			On("CONFLICT (user_id, tenant_id) DO UPDATE").
			Set("is_active = EXCLUDED.is_active").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		return nil
	})
}

func (r *BunTenantRepository) RemoveMember(ctx context.Context, tenantID, userID string) error {
	_, err := r.db.NewDelete().
		Model((*models.TenantMembership)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// GrantPermission is idempotent.
func (r *BunTenantRepository) GrantPermission(ctx context.Context, userID, permission string) error {
	_, err := r.db.NewInsert().
		Model(&models.UserPermission{UserID: userID, Permission: permission, GrantedAt: time.Now().UTC()}).
		On("CONFLICT (user_id, permission) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}
