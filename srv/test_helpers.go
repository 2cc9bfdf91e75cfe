package srv

import (
	"testing"

	"agentflow/srv/sqlite"

	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"
)

// NewTestService creates a test service using SQLite in-memory storage with an in-memory streamer.
// Each call creates an isolated database, making it safe for parallel tests.
func NewTestService(t *testing.T) *Delegator {
	t.Helper()
	dbName := "test_" + ksuid.New().String()
	storage := sqlite.NewTestSqliteStorage(t, dbName)
	return NewDelegator(storage, NewMemoryStreamer())
}
