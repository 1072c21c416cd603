package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the shared state database inside state.dir.
const DatabaseFile = "devserv.db"

// PathIn returns the database path for a state directory.
func PathIn(stateDir string) string {
	return filepath.Join(stateDir, DatabaseFile)
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the mount and service tables exist. Driver processes and devctl
// share one database, so the path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := CheckLocal(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mounts (
  handle     INTEGER PRIMARY KEY AUTOINCREMENT,
  name       TEXT NOT NULL UNIQUE,
  device     TEXT NOT NULL,
  idx        INTEGER NOT NULL,
  kind       TEXT NOT NULL,
  pid        INTEGER NOT NULL,
  mounted_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS services (
  name          TEXT PRIMARY KEY,
  instance_id   TEXT NOT NULL,
  pid           INTEGER NOT NULL,
  socket        TEXT NOT NULL,
  mount_handle  INTEGER,
  ready         INTEGER NOT NULL DEFAULT 0,
  registered_at TEXT NOT NULL,
  ready_at      TEXT
);`,
		`CREATE INDEX IF NOT EXISTS mounts_device_idx ON mounts(device, idx);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
