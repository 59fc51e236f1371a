package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is a human principal. Subject holds the upstream OIDC subject when
// the account was provisioned through SSO; PasswordHash holds a bcrypt hash
// for local credential login.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID              string     `bun:"id,pk,type:varchar(36)"`
	Subject         *string    `bun:"subject,unique"`
	Email           string     `bun:"email,notnull,unique"`
	Username        string     `bun:"username"`
	Name            string     `bun:"name"`
	PasswordHash    *string    `bun:"password_hash"`
	IsPlatformAdmin bool       `bun:"is_platform_admin,notnull,default:false"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	LastLoginAt     *time.Time `bun:"last_login_at"`
	DisabledAt      *time.Time `bun:"disabled_at"`
}

// Tenant is an isolated organizational workspace.
type Tenant struct {
	bun.BaseModel `bun:"table:tenants,alias:t"`

	ID        string    `bun:"id,pk,type:varchar(36)"`
	Slug      string    `bun:"slug,notnull,unique"`
	Name      string    `bun:"name,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// TenantMembership binds a user to a tenant. Position fixes the order in
// which memberships are listed; ties fall back to creation time.
type TenantMembership struct {
	bun.BaseModel `bun:"table:tenant_memberships,alias:tm"`

	ID        string    `bun:"id,pk,type:varchar(36)"`
	UserID    string    `bun:"user_id,notnull,type:varchar(36)"`
	TenantID  string    `bun:"tenant_id,notnull,type:varchar(36)"`
	IsActive  bool      `bun:"is_active,notnull,default:true"`
	Position  int       `bun:"position,notnull,default:0"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// UserPermission is one opaque permission string granted to a user.
type UserPermission struct {
	bun.BaseModel `bun:"table:user_permissions,alias:up"`

	UserID     string    `bun:"user_id,pk,type:varchar(36)"`
	Permission string    `bun:"permission,pk"`
	GrantedAt  time.Time `bun:"granted_at,notnull,default:current_timestamp"`
}

// Session is the durable form of a browser session. ID is the SHA-256 of
// the cookie token; Payload is the JSON encoded session payload.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:sess"`

	ID        string    `bun:"id,pk,type:varchar(64)"`
	UserID    *string   `bun:"user_id,type:varchar(36)"`
	Payload   string    `bun:"payload,type:text,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
