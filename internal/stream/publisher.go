// Package stream converts orchestrator and ledger state transitions
// into the ordered, de-duplicated external event feed.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/clauseguard/engine/internal/domain"
	"github.com/clauseguard/engine/internal/store"
)

// Publisher appends feed events with per-session sequence numbers and
// guarantees a diff id is published as proposed at most once, across
// repeated polls of unchanged state and across process restarts.
type Publisher struct {
	events *store.EventRepo

	mu        sync.Mutex
	published map[string]map[string]struct{}
}

// NewPublisher creates a Publisher over the event repository.
func NewPublisher(events *store.EventRepo) *Publisher {
	return &Publisher{
		events:    events,
		published: make(map[string]map[string]struct{}),
	}
}

// Rehydrate rebuilds the session's dedup set from the persisted event
// log, so a restarted process never re-announces decided or
// already-proposed diffs.
func (p *Publisher) Rehydrate(ctx context.Context, sessionID string) error {
	events, err := p.events.ListByKind(ctx, sessionID, domain.EventDiffProposed)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[string]struct{}, len(events))
	for _, ev := range events {
		var payload domain.DiffProposedPayload
		if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
			continue
		}
		set[payload.DiffID] = struct{}{}
	}
	p.published[sessionID] = set
	return nil
}

// Forget drops the in-memory dedup set for a session. The persisted
// event log remains the durable record.
func (p *Publisher) Forget(sessionID string) {
	p.mu.Lock()
	delete(p.published, sessionID)
	p.mu.Unlock()
}

// Progress emits a progress event for the clause under review.
func (p *Publisher) Progress(ctx context.Context, state *domain.SessionState, clauseID, message string) error {
	return p.emit(ctx, state, domain.EventProgress, domain.ProgressPayload{
		CurrentIndex:    state.Cursor,
		Total:           state.TotalClauses,
		CurrentClauseID: clauseID,
		Message:         message,
	})
}

// DiffProposed emits a diff_proposed event exactly once per diff id.
// Repeat calls for an already-published id are silent no-ops that
// consume no sequence number.
func (p *Publisher) DiffProposed(ctx context.Context, state *domain.SessionState, d domain.Diff) error {
	p.mu.Lock()
	set, ok := p.published[state.SessionID]
	if !ok {
		set = make(map[string]struct{})
		p.published[state.SessionID] = set
	}
	if _, dup := set[d.ID]; dup {
		p.mu.Unlock()
		return nil
	}
	set[d.ID] = struct{}{}
	p.mu.Unlock()

	return p.emit(ctx, state, domain.EventDiffProposed, domain.DiffProposedPayload{
		DiffID:       d.ID,
		ClauseID:     d.ClauseID,
		Kind:         string(d.Kind),
		ProposedText: d.EffectiveText(),
		Reason:       d.Reason,
		Severity:     d.Severity,
	})
}

// ApprovalRequired emits an approval_required event.
func (p *Publisher) ApprovalRequired(ctx context.Context, state *domain.SessionState, pendingCount int) error {
	return p.emit(ctx, state, domain.EventApprovalRequired, domain.ApprovalRequiredPayload{
		PendingCount: pendingCount,
	})
}

// Complete emits the terminal review_complete event.
func (p *Publisher) Complete(ctx context.Context, state *domain.SessionState, summary domain.Summary) error {
	return p.emit(ctx, state, domain.EventReviewComplete, domain.ReviewCompletePayload{Summary: summary})
}

// Error emits the terminal review_error event. The session stays
// resumable unless the orchestrator marked it failed.
func (p *Publisher) Error(ctx context.Context, state *domain.SessionState, code int, message string) error {
	return p.emit(ctx, state, domain.EventReviewError, domain.ReviewErrorPayload{
		Message: message,
		Code:    code,
	})
}

// MaxSeq returns the highest persisted sequence number of a session's
// feed. Rehydration syncs the checkpoint's sequence counter to it so
// a replayed step can never collide with an already-taken number.
func (p *Publisher) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	return p.events.MaxSeq(ctx, sessionID)
}

// Since returns only the delta of a session's feed past the given
// sequence number, never the full state.
func (p *Publisher) Since(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.StreamEvent, error) {
	return p.events.ListSince(ctx, sessionID, sinceSeq)
}

func (p *Publisher) emit(ctx context.Context, state *domain.SessionState, kind domain.EventKind, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "marshal event payload", err)
	}

	state.LastEventSeq++
	return p.events.Append(ctx, domain.StreamEvent{
		SessionID:   state.SessionID,
		SeqNo:       state.LastEventSeq,
		Kind:        kind,
		PayloadJSON: string(blob),
		CreatedAt:   time.Now().Unix(),
	})
}
