package testutil

import (
	"testing"

	"zw-go/internal/database"
)

// NewTestStore creates an in-memory SQLite store with the schema applied. The
// store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
