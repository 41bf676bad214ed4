// Package db provides the engine's queryable SQLite-backed store: the
// account roster bootstrap, the per-account latched risk tier (which must
// survive a restart same as EngineState), and a queryable audit mirror of
// the append-only trade journal. The safety-critical hot-path state
// (engine mode, position snapshots, nonces) stays file-based via
// internal/persist and internal/nonce; this package is for state that benefits from being
// queried, not just replayed.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path and applies
// the schema.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite prefers a single writer.
	sqlDB.SetConnMaxLifetime(time.Hour)

	d := &Database{DB: sqlDB}
	if err := applySchema(d); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
