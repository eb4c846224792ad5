package db_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cchc/docsync/internal/db"
	"github.com/cchc/docsync/internal/testutil"
)

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	// PrepareDB has already applied the migrations once
	database := testutil.PrepareDB(t)
	require.NoError(t, db.ApplyMigrations(database))
	require.NoError(t, db.ApplyMigrations(database))
}
