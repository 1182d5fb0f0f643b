package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/edu-compliance-ledger/internal/infrastructure/database"
	"github.com/davidleathers/edu-compliance-ledger/internal/testutil/containers"
)

// TestDB is a migrated PostgreSQL database in a throwaway container.
type TestDB struct {
	t    *testing.T
	URL  string
	Pool *database.ConnectionPool
}

// NewTestDB starts PostgreSQL, applies the embedded migrations and opens a
// pool. It skips under -short or when no container runtime is available.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	logger := zaptest.NewLogger(t)
	migrator, err := database.NewMigrator(container.ConnectionString, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up(0))
	require.NoError(t, migrator.Close())

	pool, err := database.NewConnectionPool(ctx, database.Config{
		URL:      container.ConnectionString,
		MaxConns: 10,
		MinConns: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &TestDB{t: t, URL: container.ConnectionString, Pool: pool}
}

// ExecUnguarded runs sql with the append-only triggers disabled, to simulate
// out-of-band tampering with stored records.
func (tdb *TestDB) ExecUnguarded(sql string, args ...any) {
	tdb.t.Helper()
	ctx := context.Background()
	_, err := tdb.Pool.Pool().Exec(ctx, `ALTER TABLE audit_records DISABLE TRIGGER USER`)
	require.NoError(tdb.t, err)
	defer func() {
		_, err := tdb.Pool.Pool().Exec(ctx, `ALTER TABLE audit_records ENABLE TRIGGER USER`)
		require.NoError(tdb.t, err)
	}()
	_, err = tdb.Pool.Pool().Exec(ctx, sql, args...)
	require.NoError(tdb.t, err)
}

// AssertRowCount asserts the number of rows in a table
func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()
	var count int
	err := tdb.Pool.Pool().QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count)
	require.NoError(tdb.t, err)
	require.Equal(tdb.t, expected, count, "unexpected row count in %s", table)
}
