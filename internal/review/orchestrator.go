// Package review implements the per-session review orchestrator: a
// resumable, checkpointed state machine that walks a document's
// clause tree, dispatches skills, and pauses for human approval.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clauseguard/engine/internal/docparse"
	"github.com/clauseguard/engine/internal/domain"
	"github.com/clauseguard/engine/internal/ledger"
	"github.com/clauseguard/engine/internal/skill"
	"github.com/clauseguard/engine/internal/store"
	"github.com/clauseguard/engine/internal/stream"
)

// validTransitions defines the legal session status transitions.
var validTransitions = map[domain.SessionStatus]map[domain.SessionStatus]bool{
	domain.StatusCreated: {
		domain.StatusUploading: true,
		domain.StatusFailed:    true,
		domain.StatusCancelled: true,
	},
	domain.StatusUploading: {
		domain.StatusReviewing: true,
		domain.StatusFailed:    true,
		domain.StatusCancelled: true,
	},
	domain.StatusReviewing: {
		domain.StatusInterrupted: true,
		domain.StatusCompleted:   true,
		domain.StatusFailed:      true,
		domain.StatusCancelled:   true,
	},
	domain.StatusInterrupted: {
		domain.StatusReviewing: true,
		domain.StatusFailed:    true,
		domain.StatusCancelled: true,
	},
}

// IsValidTransition checks if a session status transition is legal.
func IsValidTransition(from, to domain.SessionStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// GatePolicy decides which proposed diffs require a human decision
// before the walk may continue. It is read from configuration at
// session start, never hardcoded.
type GatePolicy struct {
	// Severities lists the gating severities. Empty, or any entry
	// equal to "all", gates every pending diff.
	Severities []string
}

// Gates reports whether a diff of the given severity pauses the walk.
func (g GatePolicy) Gates(severity string) bool {
	if len(g.Severities) == 0 {
		return true
	}
	for _, s := range g.Severities {
		if s == "all" || strings.EqualFold(s, severity) {
			return true
		}
	}
	return false
}

// Orchestrator owns review sessions: one state machine per session,
// single-writer step loops, durable checkpoints, and the decision API
// that gates irreversible document mutations on a human.
type Orchestrator struct {
	checkpoints store.CheckpointStore
	docs        *store.DocRepo
	ledger      *ledger.Ledger
	registry    *skill.Registry
	publisher   *stream.Publisher
	sessions    *Sessions
	checklist   *Checklist
	gate        GatePolicy
	parseOpts   docparse.Options
	logger      *slog.Logger
}

// NewOrchestrator wires an orchestrator from its dependencies.
func NewOrchestrator(
	checkpoints store.CheckpointStore,
	docs *store.DocRepo,
	led *ledger.Ledger,
	registry *skill.Registry,
	publisher *stream.Publisher,
	sessions *Sessions,
	checklist *Checklist,
	gate GatePolicy,
	parseOpts docparse.Options,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	// Evicted sessions drop their publisher dedup sets with them; a
	// later rehydration rebuilds the set from the event log.
	sessions.OnEvict(publisher.Forget)
	return &Orchestrator{
		checkpoints: checkpoints,
		docs:        docs,
		ledger:      led,
		registry:    registry,
		publisher:   publisher,
		sessions:    sessions,
		checklist:   checklist,
		gate:        gate,
		parseOpts:   parseOpts,
		logger:      logger,
	}
}

// CreateRequest starts a new review session. Documents carry raw
// text per role; the primary document is required.
type CreateRequest struct {
	SessionID string
	Documents map[domain.DocumentRole]string
}

// Create registers the session, stores its documents, and parses the
// primary document to size the walk. The session is left in
// uploading_inputs; Start launches the run loop.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*domain.SessionState, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, err := o.checkpoints.Load(ctx, sessionID); err == nil {
		return nil, domain.NewEngineError(domain.ErrDuplicateSession.Code,
			fmt.Sprintf("session %q already exists", sessionID))
	} else if err != domain.ErrCheckpointMissing {
		return nil, err
	}

	primary, ok := req.Documents[domain.RolePrimary]
	if !ok || strings.TrimSpace(primary) == "" {
		return nil, domain.NewEngineError(domain.ErrEmptyDocument.Code, "primary document text is required")
	}

	tree, err := docparse.Parse(primary, o.parseOpts)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	state := &domain.SessionState{
		SessionID:     sessionID,
		Documents:     make(map[domain.DocumentRole]string, len(req.Documents)),
		Status:        domain.StatusCreated,
		TotalClauses:  tree.Len(),
		SkillResults:  make(map[string]domain.SkillResult),
		CreatedAtUnix: now,
	}
	if err := o.checkpoints.Save(ctx, state); err != nil {
		return nil, err
	}

	if err := o.setStatus(state, domain.StatusUploading); err != nil {
		return nil, err
	}
	for role, text := range req.Documents {
		docID := sessionID + "/" + string(role)
		if err := o.docs.Put(ctx, docID, text); err != nil {
			return nil, err
		}
		state.Documents[role] = docID
	}
	if err := o.checkpoints.Save(ctx, state); err != nil {
		return nil, err
	}

	h := &handle{state: state}
	o.sessions.put(sessionID, h)

	copied := *state
	return &copied, nil
}

// Start launches the session's run loop. Valid only from
// uploading_inputs; a duplicate start is refused.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	h, err := o.handleFor(ctx, sessionID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := o.setStatus(h.state, domain.StatusReviewing); err != nil {
		return err
	}
	if err := o.checkpoints.Save(ctx, h.state); err != nil {
		return err
	}
	return o.spawnLocked(h)
}

// Resume continues an interrupted session, or re-spawns the run loop
// of a session that was in flight when the previous process stopped.
// An interrupted session fails with ErrApprovalsIncomplete while any
// diff that was pending at the moment of interruption is still
// pending: partial approval of a batch must not resume the walk.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	h, err := o.handleFor(ctx, sessionID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A reviewing checkpoint with no live runner means the walk was
	// halted by a shutdown or lost to a crash. No status transition is
	// needed; the loop picks up at the checkpointed cursor. A live
	// runner is refused by spawnLocked.
	if h.state.Status == domain.StatusReviewing {
		return o.spawnLocked(h)
	}

	if h.state.Status != domain.StatusInterrupted {
		return domain.ErrNotInterrupted
	}

	for _, diffID := range h.state.GatePending {
		d, err := o.ledger.Get(ctx, diffID)
		if err != nil {
			return err
		}
		if d.State == domain.DiffPending {
			return domain.NewEngineError(domain.ErrApprovalsIncomplete.Code,
				fmt.Sprintf("diff %q is still pending", diffID))
		}
	}

	if err := o.setStatus(h.state, domain.StatusReviewing); err != nil {
		return err
	}
	h.state.GatePending = nil
	if err := o.checkpoints.Save(ctx, h.state); err != nil {
		return err
	}
	return o.spawnLocked(h)
}

// Cancel requests a cooperative stop: a running session finishes its
// current clause step first; an idle non-terminal session is
// cancelled immediately. No partial clause step is left
// half-committed.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	h, err := o.handleFor(ctx, sessionID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runner != nil {
		select {
		case <-h.runner.Done():
		default:
			h.runner.Stop()
			return nil
		}
	}

	if h.state.Status.Terminal() {
		return domain.ErrSessionTerminal
	}
	if err := o.setStatus(h.state, domain.StatusCancelled); err != nil {
		return err
	}
	_ = o.publisher.Error(ctx, h.state, 0, "review cancelled")
	if err := o.checkpoints.Save(ctx, h.state); err != nil {
		return err
	}
	o.sessions.markDone(h)
	return nil
}

// Status returns a copy of the session's checkpoint state.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	h, err := o.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	copied := *h.state
	return &copied, nil
}

// PendingDiffs lists the session's pending diffs.
func (o *Orchestrator) PendingDiffs(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	if _, err := o.handleFor(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.ledger.Pending(ctx, sessionID)
}

// Diffs lists every diff of the session.
func (o *Orchestrator) Diffs(ctx context.Context, sessionID string) ([]domain.Diff, error) {
	if _, err := o.handleFor(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.ledger.All(ctx, sessionID)
}

// Draft rebuilds the session's draft document from scratch: the
// immutable original plus every applied diff in application order.
func (o *Orchestrator) Draft(ctx context.Context, sessionID string) (string, error) {
	h, err := o.handleFor(ctx, sessionID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	docID := h.state.Documents[domain.RolePrimary]
	h.mu.Unlock()

	text, err := o.docs.Get(ctx, docID)
	if err != nil {
		return "", err
	}
	tree, err := docparse.Parse(text, o.parseOpts)
	if err != nil {
		return "", err
	}
	applied, err := o.ledger.Applied(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return ledger.Rebuild(ledger.SegmentsFromClauses(tree.Flatten()), applied), nil
}

// Summary computes the session's counts by diff state and severity.
func (o *Orchestrator) Summary(ctx context.Context, sessionID string) (*domain.Summary, error) {
	h, err := o.handleFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	state := *h.state
	h.mu.Unlock()
	s, err := o.computeSummary(ctx, &state)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Events returns the delta of the session's event feed past sinceSeq.
func (o *Orchestrator) Events(ctx context.Context, sessionID string, sinceSeq int64) ([]domain.StreamEvent, error) {
	if _, err := o.handleFor(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.publisher.Since(ctx, sessionID, sinceSeq)
}

// Shutdown halts every live run loop and waits up to the given
// timeout for them to drain. Halted sessions keep status reviewing in
// their checkpoints; Resume re-spawns them after the next start.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	runners := o.sessions.activeRunners()
	for _, r := range runners {
		r.Halt()
	}
	deadline := time.After(timeout)
	for _, r := range runners {
		select {
		case <-r.Done():
		case <-deadline:
			o.logger.Warn("run loop did not drain before shutdown deadline", "session", r.SessionID)
			return
		}
	}
}

// handleFor returns the in-memory session handle, rehydrating from
// the checkpoint store when the process has no live entry (e.g. after
// a restart).
func (o *Orchestrator) handleFor(ctx context.Context, sessionID string) (*handle, error) {
	if h, ok := o.sessions.get(sessionID); ok {
		return h, nil
	}

	state, err := o.checkpoints.Load(ctx, sessionID)
	if err != nil {
		if err == domain.ErrCheckpointMissing {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	if err := o.publisher.Rehydrate(ctx, sessionID); err != nil {
		return nil, err
	}
	maxSeq, err := o.publisher.MaxSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if maxSeq > state.LastEventSeq {
		state.LastEventSeq = maxSeq
	}
	if state.SkillResults == nil {
		state.SkillResults = make(map[string]domain.SkillResult)
	}

	h := &handle{state: state}
	if state.Status.Terminal() {
		o.sessions.markDone(h)
	}
	o.sessions.put(sessionID, h)
	return h, nil
}

// spawnLocked launches the run loop. Caller holds h.mu. A live
// runner refuses the duplicate spawn.
func (o *Orchestrator) spawnLocked(h *handle) error {
	if h.runner != nil {
		select {
		case <-h.runner.Done():
		default:
			return domain.ErrSessionRunning
		}
	}
	r := newRunner(h.state.SessionID)
	h.runner = r
	go o.run(h, r)
	return nil
}

// setStatus validates and applies a status transition.
func (o *Orchestrator) setStatus(state *domain.SessionState, to domain.SessionStatus) error {
	if state.Status.Terminal() {
		return domain.ErrSessionTerminal
	}
	if !IsValidTransition(state.Status, to) {
		return domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", state.Status, to))
	}
	state.Status = to
	return nil
}
