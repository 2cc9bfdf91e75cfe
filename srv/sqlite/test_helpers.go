package sqlite

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestSqliteStorage returns a migrated storage backed by a private
// in-memory database. dbName labels failures.
func NewTestSqliteStorage(t *testing.T, dbName string) *Storage {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	storage := NewStorage(db)
	require.NoError(t, storage.MigrateUp(), "migrating %s", dbName)

	return storage
}
