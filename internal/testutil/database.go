package testutil

import (
	"testing"

	"commitpal/internal/database"
	"commitpal/internal/pal"
)

// NewTestDatabase creates a migrated in-memory history database.
// The database is closed when the test completes.
func NewTestDatabase(t *testing.T) pal.History {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
