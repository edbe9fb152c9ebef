// Package db provides the embedded SQLite local store for Nova chat sync.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the SQLite file inside the data directory.
const DatabaseFile = "novachat.db"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// DB wraps the sql.DB with Nova-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens a SQLite database with Nova configuration.
// The database is opened with:
// - WAL mode so the realtime consumer and sync rounds can interleave
// - a busy timeout so concurrent writers wait instead of failing
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return &DB{db}, nil
}

// OpenAndMigrate opens the database and applies all embedded migrations.
func OpenAndMigrate(ctx context.Context, dataDir string) (*DB, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	m := NewMigrator(db.DB, Migrations())
	if err := m.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
