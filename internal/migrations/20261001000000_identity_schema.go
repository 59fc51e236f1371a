package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/clanvaro/unigrc/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20261001000000, down_20261001000000)
}

type tableSpec struct {
	name  string
	model any
}

var identityTables = []tableSpec{
	{"users", (*models.User)(nil)},
	{"tenants", (*models.Tenant)(nil)},
	{"tenant_memberships", (*models.TenantMembership)(nil)},
	{"user_permissions", (*models.UserPermission)(nil)},
	{"sessions", (*models.Session)(nil)},
}

var identityIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tenant_memberships_user_tenant ON tenant_memberships(user_id, tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_memberships_user ON tenant_memberships(user_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
}

// up_20261001000000 creates the identity and session schema
func up_20261001000000(ctx context.Context, db *bun.DB) error {
	for _, tbl := range identityTables {
		fmt.Printf(" [up] creating %s table...", tbl.name)
		if _, err := db.NewCreateTable().Model(tbl.model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", tbl.name, err)
		}
		fmt.Println(" OK")
	}

	fmt.Print(" [up] creating indexes...")
	for _, stmt := range identityIndexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	fmt.Println(" OK")

	if db.Dialect().Name() == dialect.PG {
		fmt.Print(" [up] converting session payload to jsonb...")
		if _, err := db.ExecContext(ctx, `ALTER TABLE sessions ALTER COLUMN payload TYPE JSONB USING payload::jsonb`); err != nil {
			return fmt.Errorf("failed to convert sessions.payload to jsonb: %w", err)
		}
		fmt.Println(" OK")
	}

	return nil
}

// down_20261001000000 drops the identity and session schema
func down_20261001000000(ctx context.Context, db *bun.DB) error {
	for i := len(identityTables) - 1; i >= 0; i-- {
		tbl := identityTables[i]
		fmt.Printf(" [down] dropping %s table...", tbl.name)
		if _, err := db.NewDropTable().Model(tbl.model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop %s table: %w", tbl.name, err)
		}
		fmt.Println(" OK")
	}
	return nil
}
