package testutil

import (
	"database/sql"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cchc/docsync/internal/config"
	"github.com/cchc/docsync/internal/db"
)

// PrepareDB opens the test database named by TEST_DB_HOST and friends,
// applies migrations and truncates the document tables. Tests calling it are
// skipped when no test database is configured.
func PrepareDB(t *testing.T) *sql.DB {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping database test")
	}
	cfg := config.DatabaseConfig{
		Host:     host,
		Port:     envInt("TEST_DB_PORT", 5432),
		User:     envString("TEST_DB_USER", "postgres"),
		Password: os.Getenv("TEST_DB_PASSWORD"),
		DBName:   envString("TEST_DB_NAME", "docsync_test"),
		SSLMode:  "disable",
	}
	database, err := db.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	for _, table := range []string{"document_tags", "chunks", "documents", "tags"} {
		_, err := database.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
