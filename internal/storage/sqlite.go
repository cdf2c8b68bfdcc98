// Package storage opens the SQLite database that holds orchestration history.
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

// OpenSQLite opens (and creates if needed) the database at path, refuses
// network filesystems, and ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := checkLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps busy errors away and makes :memory: a single database.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
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
		`CREATE TABLE IF NOT EXISTS orchestration_log (
  id            TEXT PRIMARY KEY,
  request_id    TEXT NOT NULL,
  trigger_kind  TEXT NOT NULL,
  source        TEXT NOT NULL,
  repository    TEXT,
  stage         TEXT NOT NULL,
  success       INTEGER NOT NULL,
  fallback_used INTEGER NOT NULL DEFAULT 0,
  selected      JSON,
  error         TEXT,
  elapsed_ms    INTEGER NOT NULL,
  result        JSON NOT NULL,
  created_at    TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS orchestration_log_created_at ON orchestration_log(created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orchestration_log_request_id ON orchestration_log(request_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
