package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// SessionRepo is the SQLite-backed checkpoint store.
type SessionRepo struct {
	DB *sql.DB
}

// NewSessionRepo creates a SessionRepo over an open database.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{DB: db}
}

// Save inserts or updates a checkpoint with optimistic locking.
// A brand new state must carry StateVersion 0; on success the version
// in the passed state is bumped.
func (r *SessionRepo) Save(ctx context.Context, state *domain.SessionState) error {
	state.UpdatedAtUnix = time.Now().Unix()

	blob, err := json.Marshal(state)
	if err != nil {
		return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "marshal checkpoint", err)
	}

	if state.StateVersion == 0 {
		const q = `INSERT OR IGNORE INTO sessions (session_id, status, cursor, total_clauses, state_version, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?, ?)`
		res, err := r.DB.ExecContext(ctx, q,
			state.SessionID,
			string(state.Status),
			state.Cursor,
			state.TotalClauses,
			string(blob),
			state.CreatedAtUnix,
			state.UpdatedAtUnix,
		)
		if err != nil {
			return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "insert checkpoint", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		// The id is already taken: a concurrent creator won the race.
		if n == 0 {
			return domain.ErrDuplicateSession
		}
		state.StateVersion = 1
		return nil
	}

	const q = `UPDATE sessions SET
		status = ?,
		cursor = ?,
		total_clauses = ?,
		state_version = state_version + 1,
		state_json = ?,
		updated_at = ?
	WHERE session_id = ? AND state_version = ?`

	res, err := r.DB.ExecContext(ctx, q,
		string(state.Status),
		state.Cursor,
		state.TotalClauses,
		string(blob),
		state.UpdatedAtUnix,
		state.SessionID,
		state.StateVersion,
	)
	if err != nil {
		return domain.WrapEngineError(domain.ErrCheckpointFailed.Code, "update checkpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	state.StateVersion++
	return nil
}

// Load returns the checkpoint for a session.
func (r *SessionRepo) Load(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	const q = `SELECT state_json, state_version FROM sessions WHERE session_id = ?`

	row := r.DB.QueryRowContext(ctx, q, sessionID)

	var blob string
	var version int64
	if err := row.Scan(&blob, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrCheckpointMissing
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var state domain.SessionState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "decode checkpoint", err)
	}
	// The column is authoritative: the JSON snapshot was taken before
	// the version bump of its own save.
	state.StateVersion = version
	return &state, nil
}

// Archive flags a finished session's checkpoint. The row is retained
// for export and audit.
func (r *SessionRepo) Archive(ctx context.Context, sessionID string) error {
	const q = `UPDATE sessions SET archived = 1, updated_at = ? WHERE session_id = ?`
	res, err := r.DB.ExecContext(ctx, q, time.Now().Unix(), sessionID)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "archive checkpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrCheckpointMissing
	}
	return nil
}

// Exists reports whether a checkpoint row is present for the session.
func (r *SessionRepo) Exists(ctx context.Context, sessionID string) (bool, error) {
	const q = `SELECT 1 FROM sessions WHERE session_id = ?`
	var one int
	err := r.DB.QueryRowContext(ctx, q, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return true, nil
}
