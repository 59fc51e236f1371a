package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/db/models"
	"github.com/clanvaro/unigrc/internal/identity"
)

// BunUserRepository implements UserRepository using Bun ORM
type BunUserRepository struct {
	db *bun.DB
}

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db *bun.DB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

// Create inserts a new user. ID is generated when empty and the email is
// stored lowercased.
func (r *BunUserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = bunx.NewID()
	}
	user.Email = normalizeEmail(user.Email)
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now

	if _, err := r.db.NewInsert().Model(user).Exec(ctx); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// findBy returns the user matching column, disabled or not.
func (r *BunUserRepository) findBy(ctx context.Context, db bun.IDB, column, value string) (*models.User, error) {
	user := new(models.User)
	err := db.NewSelect().
		Model(user).
		Where("? = ?", bun.Ident(column), value).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by %s: %w", column, err)
	}
	return user, nil
}

func (r *BunUserRepository) getBy(ctx context.Context, db bun.IDB, column, value string) (*models.User, error) {
	user, err := r.findBy(ctx, db, column, value)
	if err != nil {
		return nil, err
	}
	if user.DisabledAt != nil {
		return nil, identity.ErrUserNotFound
	}
	return user, nil
}

// GetUser retrieves an enabled user by ID.
func (r *BunUserRepository) GetUser(ctx context.Context, id string) (*identity.UserProfile, error) {
	user, err := r.getBy(ctx, r.db, "id", id)
	if err != nil {
		return nil, err
	}
	return toProfile(user), nil
}

// GetUserByEmail retrieves an enabled user by email.
func (r *BunUserRepository) GetUserByEmail(ctx context.Context, email string) (*identity.UserProfile, error) {
	user, err := r.getBy(ctx, r.db, "email", normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	return toProfile(user), nil
}

// UpsertUser finds the user behind an SSO login by email, then by subject,
// and creates it when neither matches. The subject is linked and profile
// fields refreshed on every login.
func (r *BunUserRepository) UpsertUser(ctx context.Context, claims identity.ExternalClaims) (*identity.UserProfile, error) {
	email := normalizeEmail(claims.Email)
	var out *models.User

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var user *models.User
		var err error
		if email != "" {
			user, err = r.findBy(ctx, tx, "email", email)
		}
		if (email == "" || errors.Is(err, identity.ErrUserNotFound)) && claims.Subject != "" {
			user, err = r.findBy(ctx, tx, "subject", claims.Subject)
		}
		if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
			return err
		}
		if user != nil && user.DisabledAt != nil {
			return fmt.Errorf("%w: %s", identity.ErrUserDisabled, user.ID)
		}

		now := time.Now().UTC()
		if user == nil {
			if email == "" {
				return fmt.Errorf("%w: subject %q has no email", identity.ErrIncompleteClaims, claims.Subject)
			}
			user = &models.User{
				ID:          bunx.NewID(),
				Email:       email,
				Username:    claims.Username,
				Name:        claims.DisplayName,
				CreatedAt:   now,
				UpdatedAt:   now,
				LastLoginAt: &now,
			}
			if claims.Subject != "" {
				subject := claims.Subject
				user.Subject = &subject
			}
			if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			out = user
			return nil
		}

		if claims.Subject != "" {
			subject := claims.Subject
			user.Subject = &subject
		}
		if claims.Username != "" {
			user.Username = claims.Username
		}
		if claims.DisplayName != "" {
			user.Name = claims.DisplayName
		}
		user.UpdatedAt = now
		user.LastLoginAt = &now
		_, err = tx.NewUpdate().
			Model(user).
			Column("subject", "username", "name", "updated_at", "last_login_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		out = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toProfile(out), nil
}

// GetUserTenants lists memberships ordered by position, then join time.
func (r *BunUserRepository) GetUserTenants(ctx context.Context, userID string) ([]identity.TenantMembership, error) {
	var rows []models.TenantMembership
	err := r.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Order("position ASC", "created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}

	out := make([]identity.TenantMembership, len(rows))
	for i, row := range rows {
		out[i] = identity.TenantMembership{TenantID: row.TenantID, IsActive: row.IsActive}
	}
	return out, nil
}

func (r *BunUserRepository) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	var perms []string
	err := r.db.NewSelect().
		Model((*models.UserPermission)(nil)).
		Column("permission").
		Where("user_id = ?", userID).
		Order("permission ASC").
		Scan(ctx, &perms)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return perms, nil
}

// GetPasswordHash returns the local credential of an enabled user.
// Users without a password are reported as not found.
func (r *BunUserRepository) GetPasswordHash(ctx context.Context, email string) (string, string, error) {
	user, err := r.getBy(ctx, r.db, "email", normalizeEmail(email))
	if err != nil {
		return "", "", err
	}
	if user.PasswordHash == nil || *user.PasswordHash == "" {
		return "", "", identity.ErrUserNotFound
	}
	return user.ID, *user.PasswordHash, nil
}

// SetPasswordHash updates the stored bcrypt hash for a user's local credentials.
func (r *BunUserRepository) SetPasswordHash(ctx context.Context, id string, passwordHash string) error {
	_, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	return nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user
func (r *BunUserRepository) UpdateLastLogin(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("last_login_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// List retrieves all users
func (r *BunUserRepository) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.NewSelect().
		Model(&users).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func toProfile(u *models.User) *identity.UserProfile {
	return &identity.UserProfile{
		ID:              u.ID,
		Email:           u.Email,
		Username:        u.Username,
		DisplayName:     u.Name,
		IsPlatformAdmin: u.IsPlatformAdmin,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
