package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/clauseguard/engine/internal/docparse"
	"github.com/clauseguard/engine/internal/domain"
	"github.com/clauseguard/engine/internal/ledger"
)

// skillOutcome is the local record of one skill invocation during a
// clause step, committed to the checkpoint together with its
// siblings.
type skillOutcome struct {
	skillID string
	output  domain.SkillOutput
	err     error
}

// run is the session's step loop. It is the only writer of the
// session state; h.mu is held for commits and event emission, never
// across a skill invocation.
func (o *Orchestrator) run(h *handle, r *Runner) {
	defer r.markDone()
	ctx := context.Background()

	h.mu.Lock()
	sessionID := h.state.SessionID
	docID := h.state.Documents[domain.RolePrimary]
	h.mu.Unlock()

	text, err := o.docs.Get(ctx, docID)
	if err != nil {
		o.fail(ctx, h, err)
		return
	}
	tree, err := docparse.Parse(text, o.parseOpts)
	if err != nil {
		o.fail(ctx, h, err)
		return
	}
	clauses := tree.Flatten()

	docCtx := map[string]string{
		"session_id":  sessionID,
		"document_id": docID,
	}

	h.mu.Lock()
	// The parse is deterministic, but the configured pattern may have
	// changed between runs; the live tree is authoritative.
	h.state.TotalClauses = len(clauses)
	h.mu.Unlock()

	for {
		if r.Stopping() {
			if r.Halting() {
				o.suspended(h)
				return
			}
			o.cancelled(ctx, h)
			return
		}

		h.mu.Lock()
		cursor := h.state.Cursor
		if cursor >= len(clauses) {
			h.mu.Unlock()
			o.complete(ctx, h)
			return
		}
		clause := clauses[cursor]

		if err := o.publisher.Progress(ctx, h.state, clause.ID,
			fmt.Sprintf("reviewing clause %s", clause.ID)); err != nil {
			o.failLocked(ctx, h, err)
			h.mu.Unlock()
			return
		}

		prior := make(map[string]domain.SkillOutput)
		prefix := clause.ID + "/"
		for key, res := range h.state.SkillResults {
			if strings.HasPrefix(key, prefix) && res.Err == "" {
				prior[strings.TrimPrefix(key, prefix)] = res.Output
			}
		}
		h.mu.Unlock()

		outcomes, blockErr := o.runSkills(ctx, clause, prior, docCtx)

		h.mu.Lock()
		if err := o.commitStep(ctx, h, clause, outcomes); err != nil {
			o.failLocked(ctx, h, err)
			h.mu.Unlock()
			return
		}
		if blockErr != nil {
			o.failLocked(ctx, h, blockErr)
			h.mu.Unlock()
			return
		}

		gated, err := o.gatedPending(ctx, sessionID)
		if err != nil {
			o.failLocked(ctx, h, err)
			h.mu.Unlock()
			return
		}

		h.state.Cursor++

		if len(gated) > 0 {
			if err := o.setStatus(h.state, domain.StatusInterrupted); err != nil {
				o.failLocked(ctx, h, err)
				h.mu.Unlock()
				return
			}
			h.state.GatePending = gated
			if err := o.publisher.ApprovalRequired(ctx, h.state, len(gated)); err != nil {
				o.failLocked(ctx, h, err)
				h.mu.Unlock()
				return
			}
			if err := o.checkpoints.Save(ctx, h.state); err != nil {
				o.failLocked(ctx, h, err)
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			return
		}

		if err := o.checkpoints.Save(ctx, h.state); err != nil {
			o.failLocked(ctx, h, err)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
	}
}

// runSkills executes the checklist skills for one clause, in declared
// order, without holding the session lock. A failure of a
// non-blocking skill is recorded and the walk continues; a blocking
// failure is returned and aborts the session after the partial
// outcomes are committed.
func (o *Orchestrator) runSkills(ctx context.Context, clause *domain.ClauseNode, prior map[string]domain.SkillOutput, docCtx map[string]string) ([]skillOutcome, error) {
	var outcomes []skillOutcome
	ran := make(map[string]bool)

	for _, item := range o.checklist.Match(clause.ID) {
		for _, skillID := range item.Skills {
			if ran[skillID] {
				continue
			}
			ran[skillID] = true

			if _, ok := o.registry.Lookup(skillID); !ok {
				err := domain.NewEngineError(domain.ErrSkillNotFound.Code,
					fmt.Sprintf("skill %q is not routable", skillID))
				o.logger.Warn("skipping unroutable checklist skill",
					"clause", clause.ID, "skill", skillID)
				outcomes = append(outcomes, skillOutcome{skillID: skillID, err: err})
				if Blocking(item, skillID) {
					return outcomes, err
				}
				continue
			}

			input, err := o.registry.BuildInput(skillID, clause, prior, docCtx)
			if err != nil {
				outcomes = append(outcomes, skillOutcome{skillID: skillID, err: err})
				if Blocking(item, skillID) {
					return outcomes, err
				}
				continue
			}

			out, err := o.registry.Invoke(ctx, skillID, input)
			outcomes = append(outcomes, skillOutcome{skillID: skillID, output: out, err: err})
			if err != nil {
				o.logger.Warn("skill failed",
					"clause", clause.ID, "skill", skillID, "error", err)
				if Blocking(item, skillID) {
					return outcomes, err
				}
				continue
			}
			prior[skillID] = out
		}
	}
	return outcomes, nil
}

// commitStep records skill results and folds proposed mutations into
// ledger diffs. Diff ids are deterministic per (clause, skill,
// ordinal), so replaying the step after a crash is a no-op on the
// ledger and the feed. Caller holds h.mu.
func (o *Orchestrator) commitStep(ctx context.Context, h *handle, clause *domain.ClauseNode, outcomes []skillOutcome) error {
	for _, oc := range outcomes {
		res := domain.SkillResult{Output: oc.output}
		if oc.err != nil {
			res.Err = oc.err.Error()
		}
		h.state.SkillResults[domain.ResultKey(clause.ID, oc.skillID)] = res

		for i, m := range oc.output.Mutations {
			d := domain.Diff{
				ID:        ledger.DeterministicID(h.state.SessionID, clause.ID, oc.skillID, i),
				SessionID: h.state.SessionID,
				ClauseID:  clause.ID,
				Kind:      m.Kind,
				Params:    m.Params,
				Skill:     oc.skillID,
				Reason:    m.Reason,
				Severity:  m.Severity,
			}
			stored, _, err := o.ledger.Propose(ctx, d)
			if err != nil {
				return err
			}
			if err := o.publisher.DiffProposed(ctx, h.state, stored); err != nil {
				return err
			}
		}
	}
	return nil
}

// gatedPending returns the ids of pending diffs whose severity the
// gate policy pauses the walk for.
func (o *Orchestrator) gatedPending(ctx context.Context, sessionID string) ([]string, error) {
	pending, err := o.ledger.Pending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var gated []string
	for _, d := range pending {
		if o.gate.Gates(d.Severity) {
			gated = append(gated, d.ID)
		}
	}
	return gated, nil
}

// complete finishes a session: summary, terminal event, final
// checkpoint, archive.
func (o *Orchestrator) complete(ctx context.Context, h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	summary, err := o.computeSummary(ctx, h.state)
	if err != nil {
		o.failLocked(ctx, h, err)
		return
	}
	if err := o.setStatus(h.state, domain.StatusCompleted); err != nil {
		o.failLocked(ctx, h, err)
		return
	}
	if err := o.publisher.Complete(ctx, h.state, summary); err != nil {
		o.logger.Error("emit completion event", "session", h.state.SessionID, "error", err)
	}
	if err := o.checkpoints.Save(ctx, h.state); err != nil {
		o.logger.Error("save terminal checkpoint", "session", h.state.SessionID, "error", err)
	}
	if err := o.checkpoints.Archive(ctx, h.state.SessionID); err != nil {
		o.logger.Warn("archive checkpoint", "session", h.state.SessionID, "error", err)
	}
	o.sessions.markDone(h)
	o.logger.Info("review completed", "session", h.state.SessionID,
		"clauses", h.state.TotalClauses)
}

// suspended exits the loop for a process shutdown. The last committed
// step already checkpointed status reviewing, so no transition or save
// is needed; Resume re-spawns the walk at the stored cursor.
func (o *Orchestrator) suspended(h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o.logger.Info("review suspended", "session", h.state.SessionID,
		"cursor", h.state.Cursor)
}

// cancelled commits a cooperative stop between clause steps.
func (o *Orchestrator) cancelled(ctx context.Context, h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Status.Terminal() {
		return
	}
	if err := o.setStatus(h.state, domain.StatusCancelled); err != nil {
		o.logger.Error("cancel transition", "session", h.state.SessionID, "error", err)
		return
	}
	if err := o.publisher.Error(ctx, h.state, 0, "review cancelled"); err != nil {
		o.logger.Error("emit cancel event", "session", h.state.SessionID, "error", err)
	}
	if err := o.checkpoints.Save(ctx, h.state); err != nil {
		o.logger.Error("save cancel checkpoint", "session", h.state.SessionID, "error", err)
	}
	o.sessions.markDone(h)
	o.logger.Info("review cancelled", "session", h.state.SessionID,
		"cursor", h.state.Cursor)
}

func (o *Orchestrator) fail(ctx context.Context, h *handle, cause error) {
	h.mu.Lock()
	o.failLocked(ctx, h, cause)
	h.mu.Unlock()
}

// failLocked marks the session failed and makes a best effort to
// persist and announce the failure. Caller holds h.mu.
func (o *Orchestrator) failLocked(ctx context.Context, h *handle, cause error) {
	h.state.LastError = cause.Error()

	code := 0
	var ee *domain.EngineError
	if errors.As(cause, &ee) {
		code = ee.Code
	}

	if !h.state.Status.Terminal() {
		h.state.Status = domain.StatusFailed
	}
	if err := o.publisher.Error(ctx, h.state, code, cause.Error()); err != nil {
		o.logger.Error("emit failure event", "session", h.state.SessionID, "error", err)
	}
	if err := o.checkpoints.Save(ctx, h.state); err != nil {
		o.logger.Error("save failure checkpoint", "session", h.state.SessionID, "error", err)
	}
	o.sessions.markDone(h)
	o.logger.Error("review failed", "session", h.state.SessionID,
		"cursor", h.state.Cursor, "error", cause)
}

// computeSummary builds the completion report from ledger counts and
// recorded skill failures.
func (o *Orchestrator) computeSummary(ctx context.Context, state *domain.SessionState) (domain.Summary, error) {
	byState, bySeverity, err := o.ledger.Counts(ctx, state.SessionID)
	if err != nil {
		return domain.Summary{}, err
	}

	var failures map[string]string
	for key, res := range state.SkillResults {
		if res.Err == "" {
			continue
		}
		if failures == nil {
			failures = make(map[string]string)
		}
		failures[key] = res.Err
	}

	return domain.Summary{
		SessionID:       state.SessionID,
		TotalClauses:    state.TotalClauses,
		DiffsByState:    byState,
		DiffsBySeverity: bySeverity,
		SkillFailures:   failures,
	}, nil
}
