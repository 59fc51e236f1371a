package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/migrate"

	"github.com/clanvaro/unigrc/internal/db/dbtest"
	"github.com/clanvaro/unigrc/internal/migrations"
)

func TestIdentitySchema_UpAndDown(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()

	for _, table := range []string{"users", "tenants", "tenant_memberships", "user_permissions", "sessions"} {
		_, err := db.NewSelect().Table(table).Limit(1).Exec(ctx)
		assert.NoError(t, err, "table %s should exist", table)
	}

	assert.Equal(t, dialect.SQLite, db.Dialect().Name())

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	group, err := migrator.Rollback(ctx)
	require.NoError(t, err)
	assert.False(t, group.IsZero())

	_, err = db.NewSelect().Table("sessions").Limit(1).Exec(ctx)
	assert.Error(t, err)
}
