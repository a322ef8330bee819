// Package db opens SQLite databases used for reporting snapshots.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultSnapshotName is the snapshot file written when no path is given.
const DefaultSnapshotName = "ops.db"

// SnapshotPath returns the default snapshot location inside a state dir.
func SnapshotPath(stateDir string) string {
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, DefaultSnapshotName)
}

// Open opens the SQLite database at path with foreign keys on, creating its
// parent directory if missing.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps the schema_version transaction and exports serialized
	conn.SetMaxOpenConns(1)
	return conn, nil
}
