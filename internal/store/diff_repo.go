package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// DiffRepo handles persistence for ledger diffs.
type DiffRepo struct {
	DB *sql.DB
}

// NewDiffRepo creates a DiffRepo over an open database.
func NewDiffRepo(db *sql.DB) *DiffRepo {
	return &DiffRepo{DB: db}
}

// Insert stores a newly proposed diff. Diff ids are deterministic per
// (session, clause, skill, ordinal), so replaying an uncheckpointed
// clause step after a crash is a no-op: the insert is ignored and
// Insert reports inserted=false.
func (r *DiffRepo) Insert(ctx context.Context, d domain.Diff) (bool, error) {
	params, err := json.Marshal(d.Params)
	if err != nil {
		return false, domain.WrapEngineError(domain.ErrStoreWrite.Code, "marshal diff params", err)
	}

	const q = `INSERT OR IGNORE INTO diffs
(diff_id, session_id, clause_id, kind, params_json, skill, reason, severity, state, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.DB.ExecContext(ctx, q,
		d.ID,
		d.SessionID,
		d.ClauseID,
		string(d.Kind),
		string(params),
		d.Skill,
		d.Reason,
		d.Severity,
		string(domain.DiffPending),
		d.CreatedAt,
	)
	if err != nil {
		return false, domain.WrapEngineError(domain.ErrStoreWrite.Code, "insert diff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns one diff by id.
func (r *DiffRepo) Get(ctx context.Context, diffID string) (*domain.Diff, error) {
	const q = selectDiff + ` WHERE diff_id = ?`
	row := r.DB.QueryRowContext(ctx, q, diffID)
	d, err := scanDiff(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDiffNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get diff: %w", err)
	}
	return d, nil
}

// ListBySession returns all diffs of a session in creation order.
func (r *DiffRepo) ListBySession(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	const q = selectDiff + ` WHERE session_id = ? ORDER BY created_at ASC, diff_id ASC`
	return r.list(ctx, q, sessionID)
}

// ListByState returns a session's diffs in one lifecycle state.
func (r *DiffRepo) ListByState(ctx context.Context, sessionID string, state domain.DiffState) ([]domain.Diff, error) {
	const q = selectDiff + ` WHERE session_id = ? AND state = ? ORDER BY created_at ASC, diff_id ASC`
	return r.list(ctx, q, sessionID, string(state))
}

// ListApplied returns a session's applied diffs in the order they
// were applied. This ordering drives the deterministic draft rebuild.
func (r *DiffRepo) ListApplied(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	const q = selectDiff + ` WHERE session_id = ? AND state = 'applied' ORDER BY applied_seq ASC`
	return r.list(ctx, q, sessionID)
}

// MarkApplied transitions pending -> applied, assigning the next
// applied_seq for the session. Fails with ErrDiffNotPending when the
// diff is in any other state and ErrDiffNotFound when absent.
func (r *DiffRepo) MarkApplied(ctx context.Context, diffID, feedback, overrideText string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	state, sessionID, err := diffStateTx(ctx, tx, diffID)
	if err != nil {
		return err
	}
	if state != domain.DiffPending {
		return domain.ErrDiffNotPending
	}

	var nextSeq int64
	const seqQ = `SELECT COALESCE(MAX(applied_seq), 0) + 1 FROM diffs WHERE session_id = ?`
	if err := tx.QueryRowContext(ctx, seqQ, sessionID).Scan(&nextSeq); err != nil {
		return fmt.Errorf("next applied seq: %w", err)
	}

	const q = `UPDATE diffs SET state = 'applied', applied_seq = ?, feedback = ?, override_text = ?, decided_at = ?
WHERE diff_id = ? AND state = 'pending'`
	res, err := tx.ExecContext(ctx, q, nextSeq, feedback, overrideText, time.Now().Unix(), diffID)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "apply diff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDiffNotPending
	}
	return tx.Commit()
}

// MarkRejected transitions pending -> rejected.
func (r *DiffRepo) MarkRejected(ctx context.Context, diffID, feedback string) error {
	return r.transition(ctx, diffID, domain.DiffPending, domain.DiffRejected, feedback, domain.ErrDiffNotPending)
}

// MarkReverted transitions applied -> reverted.
func (r *DiffRepo) MarkReverted(ctx context.Context, diffID, feedback string) error {
	return r.transition(ctx, diffID, domain.DiffApplied, domain.DiffReverted, feedback, domain.ErrDiffNotApplied)
}

// CountByState returns counts of a session's diffs grouped by state.
func (r *DiffRepo) CountByState(ctx context.Context, sessionID string) (map[string]int, error) {
	const q = `SELECT state, COUNT(*) FROM diffs WHERE session_id = ? GROUP BY state`
	return r.countGrouped(ctx, q, sessionID)
}

// CountBySeverity returns counts of a session's diffs grouped by severity.
func (r *DiffRepo) CountBySeverity(ctx context.Context, sessionID string) (map[string]int, error) {
	const q = `SELECT severity, COUNT(*) FROM diffs WHERE session_id = ? GROUP BY severity`
	return r.countGrouped(ctx, q, sessionID)
}

func (r *DiffRepo) countGrouped(ctx context.Context, q, sessionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count diffs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (r *DiffRepo) transition(ctx context.Context, diffID string, from, to domain.DiffState, feedback string, wrongState *domain.EngineError) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	state, _, err := diffStateTx(ctx, tx, diffID)
	if err != nil {
		return err
	}
	if state != from {
		return wrongState
	}

	const q = `UPDATE diffs SET state = ?, feedback = ?, decided_at = ? WHERE diff_id = ? AND state = ?`
	res, err := tx.ExecContext(ctx, q, string(to), feedback, time.Now().Unix(), diffID, string(from))
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "transition diff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return wrongState
	}
	return tx.Commit()
}

func diffStateTx(ctx context.Context, tx *sql.Tx, diffID string) (domain.DiffState, string, error) {
	const q = `SELECT state, session_id FROM diffs WHERE diff_id = ?`
	var state, sessionID string
	err := tx.QueryRowContext(ctx, q, diffID).Scan(&state, &sessionID)
	if err == sql.ErrNoRows {
		return "", "", domain.ErrDiffNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("diff state: %w", err)
	}
	return domain.DiffState(state), sessionID, nil
}

const selectDiff = `SELECT diff_id, session_id, clause_id, kind, params_json, skill, reason, severity, state, applied_seq, feedback, override_text, created_at, decided_at
FROM diffs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiff(row rowScanner) (*domain.Diff, error) {
	var d domain.Diff
	var kind, state, params string
	if err := row.Scan(&d.ID, &d.SessionID, &d.ClauseID, &kind, &params, &d.Skill, &d.Reason, &d.Severity, &state, &d.AppliedSeq, &d.Feedback, &d.OverrideText, &d.CreatedAt, &d.DecidedAt); err != nil {
		return nil, err
	}
	d.Kind = domain.MutationKind(kind)
	d.State = domain.DiffState(state)
	if err := json.Unmarshal([]byte(params), &d.Params); err != nil {
		return nil, fmt.Errorf("decode diff params: %w", err)
	}
	return &d, nil
}

func (r *DiffRepo) list(ctx context.Context, q string, args ...any) ([]domain.Diff, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	defer rows.Close()

	var diffs []domain.Diff
	for rows.Next() {
		d, err := scanDiff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		diffs = append(diffs, *d)
	}
	return diffs, rows.Err()
}
