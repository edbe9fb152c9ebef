// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	// Idempotent
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(ctx); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0, nil", version, err)
	}
}

// TestUp_appliesInOrder verifies migrations run by version, not by name.
func TestUp_appliesInOrder(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	fsys := fstest.MapFS{
		"V10__add_index.up.sql":     {Data: []byte("CREATE INDEX idx_t_name ON t(name);")},
		"V2__create_table.up.sql":   {Data: []byte("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT);")},
		"V2__create_table.down.sql": {Data: []byte("DROP TABLE t;")},
		"README.md":                 {Data: []byte("ignored")},
		"Vx__bad.up.sql":            {Data: []byte("ignored")},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Version != 2 || applied[0].Description != "create_table" {
		t.Errorf("first migration = %+v", applied[0])
	}
	if applied[1].Version != 10 || len(applied[1].Checksum) != 64 {
		t.Errorf("second migration = %+v", applied[1])
	}

	// Running Up again should skip already applied migrations
	if err := m.Up(ctx); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_detectsModifiedMigration verifies checksum drift is reported.
func TestUp_detectsModifiedMigration(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	fsys := fstest.MapFS{
		"V1__t.up.sql": {Data: []byte("CREATE TABLE t (id INTEGER);")},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__t.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t (id INTEGER, extra TEXT);")}
	err := m.Up(ctx)
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want modified-migration error", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a bad migration is not recorded.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); THIS IS NOT SQL;")},
	})
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(ctx); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0 after failed migration", version, err)
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down(ctx)
	if err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() on empty schema error = %v", err)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(ctx); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='messages'").Scan(&n); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if n != 0 {
		t.Error("messages table should be dropped after Down()")
	}
}

// TestDown_missingRollbackFile verifies error when no down file exists.
func TestDown_missingRollbackFile(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__t.up.sql": {Data: []byte("CREATE TABLE t (id INTEGER);")},
	})
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	err := m.Down(ctx)
	if err == nil || !strings.Contains(err.Error(), "no rollback migration") {
		t.Errorf("Down() error = %v, want missing rollback error", err)
	}
}
