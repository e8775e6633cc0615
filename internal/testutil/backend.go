package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warren-db/warren/internal/backend"
)

// OpenSQLite opens a fresh in-memory sqlite backend, closed with the
// test.
func OpenSQLite(t *testing.T) backend.Backend {
	t.Helper()
	b, err := backend.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// OpenPostgres opens the postgres backend named by the
// WARREN_TEST_DATABASE_URL environment variable, skipping the test when
// it is unset. The records tables are truncated so each test starts
// clean.
func OpenPostgres(t *testing.T) backend.Backend {
	t.Helper()
	dsn := os.Getenv("WARREN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARREN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	b, err := backend.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.DB().ExecContext(ctx, "TRUNCATE records, record_versions")
	require.NoError(t, err)
	return b
}
