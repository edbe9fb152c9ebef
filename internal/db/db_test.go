// Package db tests for database connection management.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	dbPath := filepath.Join(tmpDir, DatabaseFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Errorf("Failed to check busy timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", busyTimeout)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(invalidPath); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestOpenAndMigrate verifies the embedded schema is applied.
func TestOpenAndMigrate(t *testing.T) {
	ctx := context.Background()
	db, err := OpenAndMigrate(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"conversations", "messages", "sync_cursor", "conflict_log", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	m := NewMigrator(db.DB, Migrations())
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version < 1 {
		t.Errorf("CurrentVersion() = %d, want >= 1", version)
	}
}

// TestOpenAndMigrate_reopen verifies migrations are skipped on reopen and data persists.
func TestOpenAndMigrate_reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db1, err := OpenAndMigrate(ctx, dir)
	if err != nil {
		t.Fatalf("first OpenAndMigrate() failed: %v", err)
	}
	if _, err := db1.Exec("INSERT INTO sync_cursor (owner_id, last_synced_at, protocol_version) VALUES ('t1', 10, 1)"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := OpenAndMigrate(ctx, dir)
	if err != nil {
		t.Fatalf("second OpenAndMigrate() failed: %v", err)
	}
	defer db2.Close()

	var ts int64
	if err := db2.QueryRow("SELECT last_synced_at FROM sync_cursor WHERE owner_id = 't1'").Scan(&ts); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if ts != 10 {
		t.Errorf("last_synced_at = %d, want 10", ts)
	}
}

// TestClose verifies database closing.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err == nil {
		t.Error("Query on closed database should fail")
	}
}
