// Package store provides SQLite-backed persistence for the clause
// review engine, plus the checkpoint store abstraction and its Redis
// backend.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'created',
	cursor        INTEGER NOT NULL DEFAULT 0,
	total_clauses INTEGER NOT NULL DEFAULT 0,
	state_version INTEGER NOT NULL DEFAULT 1,
	state_json    TEXT NOT NULL DEFAULT '{}',
	archived      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS diffs (
	diff_id       TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	clause_id     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	params_json   TEXT NOT NULL DEFAULT '{}',
	skill         TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	severity      TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT 'pending',
	applied_seq   INTEGER NOT NULL DEFAULT 0,
	feedback      TEXT NOT NULL DEFAULT '',
	override_text TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	decided_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_diffs_session_state ON diffs(session_id, state);
CREATE INDEX IF NOT EXISTS idx_diffs_session_applied ON diffs(session_id, applied_seq);

CREATE TABLE IF NOT EXISTS documents (
	doc_id     TEXT PRIMARY KEY,
	text       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS review_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(session_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON review_events(session_id, seq_no);
`

// NewDB opens a SQLite database at the given path with recommended
// pragmas and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
