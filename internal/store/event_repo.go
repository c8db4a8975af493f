package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clauseguard/engine/internal/domain"
)

// EventRepo handles persistence for the per-session event feed.
type EventRepo struct {
	DB *sql.DB
}

// NewEventRepo creates an EventRepo over an open database.
func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{DB: db}
}

// Append inserts an event. Sequence numbers are unique per session
// and the insert is ignored on conflict, so replaying an
// uncheckpointed clause step cannot duplicate feed entries.
func (r *EventRepo) Append(ctx context.Context, ev domain.StreamEvent) error {
	const q = `INSERT OR IGNORE INTO review_events (session_id, seq_no, kind, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := r.DB.ExecContext(ctx, q,
		ev.SessionID,
		ev.SeqNo,
		string(ev.Kind),
		ev.PayloadJSON,
		ev.CreatedAt,
	)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "append event", err)
	}
	return nil
}

// ListSince returns events for a session with sequence numbers
// greater than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListSince(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.StreamEvent, error) {
	const q = `SELECT id, session_id, seq_no, kind, payload_json, created_at
FROM review_events
WHERE session_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := r.DB.QueryContext(ctx, q, sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.StreamEvent
	for rows.Next() {
		var e domain.StreamEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SeqNo, &kind, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListByKind returns all of a session's events of one kind. The
// publisher uses it to rebuild its dedup set on rehydration.
func (r *EventRepo) ListByKind(ctx context.Context, sessionID string, kind domain.EventKind) ([]domain.StreamEvent, error) {
	const q = `SELECT id, session_id, seq_no, kind, payload_json, created_at
FROM review_events
WHERE session_id = ? AND kind = ?
ORDER BY seq_no ASC`

	rows, err := r.DB.QueryContext(ctx, q, sessionID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list events by kind: %w", err)
	}
	defer rows.Close()

	var events []domain.StreamEvent
	for rows.Next() {
		var e domain.StreamEvent
		var k string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SeqNo, &k, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = domain.EventKind(k)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MaxSeq returns the highest sequence number recorded for a session,
// or zero when the feed is empty.
func (r *EventRepo) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	const q = `SELECT COALESCE(MAX(seq_no), 0) FROM review_events WHERE session_id = ?`
	var seq int64
	if err := r.DB.QueryRowContext(ctx, q, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max event seq: %w", err)
	}
	return seq, nil
}
