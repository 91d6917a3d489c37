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

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
  id              TEXT PRIMARY KEY,
  tenant_id       TEXT NOT NULL,
  agent_type      TEXT NOT NULL,
  model_id        TEXT NOT NULL,
  task            TEXT NOT NULL,
  status          TEXT NOT NULL,
  timeout_seconds INTEGER NOT NULL,
  workspace_mode  TEXT NOT NULL,
  workspace_id    TEXT,
  unit_ref        TEXT,
  exit_code       INTEGER,
  last_error      TEXT,
  created_at      TEXT NOT NULL,
  started_at      TEXT,
  ended_at        TEXT,
  cost_breakdown  JSON,
  output          TEXT
);`,
		`CREATE TABLE IF NOT EXISTS workspaces (
  id               TEXT PRIMARY KEY,
  tenant_id        TEXT NOT NULL,
  name             TEXT NOT NULL,
  mode             TEXT NOT NULL,
  dir              TEXT NOT NULL,
  created_at       TEXT NOT NULL,
  last_accessed_at TEXT NOT NULL,
  expires_at       TEXT,
  size_bytes_est   INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
  id          TEXT PRIMARY KEY,
  tenant_id   TEXT NOT NULL,
  action      TEXT NOT NULL,
  resource    TEXT NOT NULL,
  metadata    JSON,
  recorded_at TEXT NOT NULL,
  expires_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS dispatches_tenant_created_idx ON dispatches(tenant_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS dispatches_status_idx ON dispatches(status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS workspaces_tenant_name_idx ON workspaces(tenant_id, name) WHERE mode = 'persistent';`,
		`CREATE INDEX IF NOT EXISTS workspaces_expires_idx ON workspaces(expires_at);`,
		`CREATE INDEX IF NOT EXISTS audit_log_tenant_recorded_idx ON audit_log(tenant_id, recorded_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
