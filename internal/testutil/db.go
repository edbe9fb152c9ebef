package testutil

import (
	"context"
	"testing"

	"github.com/kimhsiao/novachat/backend/internal/db"
)

// NewRepository opens a migrated SQLite store in a temporary directory.
func NewRepository(t testing.TB) *db.Repository {
	t.Helper()
	database, err := db.OpenAndMigrate(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}
