// Package ledger tracks proposed document mutations through their
// pending -> applied/rejected -> reverted lifecycle and rebuilds
// drafts by deterministic replay.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clauseguard/engine/internal/domain"
	"github.com/clauseguard/engine/internal/store"
)

// Ledger is the append-and-transition log of diffs. Operation
// parameters are frozen at creation; only lifecycle state, decision
// metadata, and the optional human override text change afterwards.
type Ledger struct {
	diffs *store.DiffRepo
}

// New creates a Ledger over the diff repository.
func New(diffs *store.DiffRepo) *Ledger {
	return &Ledger{diffs: diffs}
}

// DeterministicID builds the diff id for a mutation proposed by a
// skill during a clause step. Replaying the same step after a crash
// regenerates the same id, which makes Propose idempotent.
func DeterministicID(sessionID, clauseID, skillID string, ordinal int) string {
	return fmt.Sprintf("%s:%s:%s:%d", sessionID, clauseID, skillID, ordinal)
}

// Propose records a new pending diff. When d.ID is empty a random id
// is assigned. The returned bool is false when the id already existed
// and the proposal was a replay no-op.
func (l *Ledger) Propose(ctx context.Context, d domain.Diff) (domain.Diff, bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.State = domain.DiffPending
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().Unix()
	}
	inserted, err := l.diffs.Insert(ctx, d)
	if err != nil {
		return domain.Diff{}, false, err
	}
	return d, inserted, nil
}

// Apply transitions a pending diff to applied, recording decision
// metadata and the optional human override text. Returns
// ErrDiffNotPending when the diff is in any other state.
func (l *Ledger) Apply(ctx context.Context, diffID, feedback, overrideText string) error {
	return l.diffs.MarkApplied(ctx, diffID, feedback, overrideText)
}

// Reject transitions a pending diff to rejected.
func (l *Ledger) Reject(ctx context.Context, diffID, feedback string) error {
	return l.diffs.MarkRejected(ctx, diffID, feedback)
}

// Revert transitions an applied diff to reverted; it is then excluded
// from draft rebuilding. Returns ErrDiffNotApplied otherwise.
func (l *Ledger) Revert(ctx context.Context, diffID, feedback string) error {
	return l.diffs.MarkReverted(ctx, diffID, feedback)
}

// Get returns one diff by id.
func (l *Ledger) Get(ctx context.Context, diffID string) (*domain.Diff, error) {
	return l.diffs.Get(ctx, diffID)
}

// Pending returns a session's pending diffs in creation order.
func (l *Ledger) Pending(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	return l.diffs.ListByState(ctx, sessionID, domain.DiffPending)
}

// ByState returns a session's diffs in one lifecycle state.
func (l *Ledger) ByState(ctx context.Context, sessionID string, state domain.DiffState) ([]domain.Diff, error) {
	return l.diffs.ListByState(ctx, sessionID, state)
}

// All returns every diff of a session in creation order.
func (l *Ledger) All(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	return l.diffs.ListBySession(ctx, sessionID)
}

// Applied returns a session's applied diffs in application order.
func (l *Ledger) Applied(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	return l.diffs.ListApplied(ctx, sessionID)
}

// Counts returns diff counts grouped by state and by severity, for
// the completion summary.
func (l *Ledger) Counts(ctx context.Context, sessionID string) (byState, bySeverity map[string]int, err error) {
	byState, err = l.diffs.CountByState(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	bySeverity, err = l.diffs.CountBySeverity(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return byState, bySeverity, nil
}
