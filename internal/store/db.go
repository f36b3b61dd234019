// Package store persists the bridge's own local state: one active-session
// row per user (SPEC_FULL.md §4.6) and the per-user remembered working
// directory referenced by the Orchestrator's bootstrap (§6.3). The agent
// CLI's own on-disk history remains the sole source of truth for session
// transcripts — this package never duplicates it (§1 Non-goals).
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema creates both tables idempotently. A two-table local store doesn't
// warrant a versioned migration framework (see DESIGN.md for why
// golang-migrate, used by the teacher's managed-mode Postgres schema,
// isn't reused here) — CREATE TABLE IF NOT EXISTS is the whole migration
// story.
const schema = `
CREATE TABLE IF NOT EXISTS bot_sessions (
	user_id     TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	directory   TEXT NOT NULL,
	model       TEXT,
	betas       TEXT,
	last_active INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bot_sessions_last_active ON bot_sessions(last_active);

CREATE TABLE IF NOT EXISTS user_directories (
	user_id   TEXT PRIMARY KEY,
	directory TEXT NOT NULL
);
`

// DB wraps the local sqlite handle shared by every repository in this
// package.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, enables WAL
// mode for concurrent readers alongside the writer, and applies schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying sqlite connection.
func (d *DB) Close() error {
	return d.sql.Close()
}
