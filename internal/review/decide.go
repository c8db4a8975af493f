package review

import (
	"context"
	"fmt"

	"github.com/clauseguard/engine/internal/domain"
)

// Decision is a human verdict on one pending diff.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// DecideItem is one entry of a batch decision.
type DecideItem struct {
	DiffID   string   `json:"diff_id"`
	Decision Decision `json:"decision"`
	Feedback string   `json:"feedback,omitempty"`
	// OverrideText lets the reviewer approve with amended text. It is
	// ignored on reject.
	OverrideText string `json:"override_text,omitempty"`
}

// DecideResult reports the outcome of one batch entry. Entries are
// independent: a failure here never aborts its siblings.
type DecideResult struct {
	DiffID   string           `json:"diff_id"`
	NewState domain.DiffState `json:"new_state,omitempty"`
	Err      string           `json:"error,omitempty"`
}

// Decide applies a single human verdict to a pending diff. The diff's
// session lock is held so decisions serialize against the step loop.
func (o *Orchestrator) Decide(ctx context.Context, item DecideItem) (domain.DiffState, error) {
	d, err := o.ledger.Get(ctx, item.DiffID)
	if err != nil {
		return "", err
	}

	h, err := o.handleFor(ctx, d.SessionID)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch item.Decision {
	case DecisionApprove:
		if err := o.ledger.Apply(ctx, item.DiffID, item.Feedback, item.OverrideText); err != nil {
			return "", err
		}
		return domain.DiffApplied, nil
	case DecisionReject:
		if err := o.ledger.Reject(ctx, item.DiffID, item.Feedback); err != nil {
			return "", err
		}
		return domain.DiffRejected, nil
	default:
		return "", domain.NewEngineError(domain.ErrDiffNotPending.Code,
			fmt.Sprintf("unknown decision %q", item.Decision))
	}
}

// DecideBatch applies a set of independent verdicts. Every entry gets
// its own result; nothing rolls back on a sibling's failure, and the
// session stays interrupted until every gated diff has been decided
// and Resume is called.
func (o *Orchestrator) DecideBatch(ctx context.Context, items []DecideItem) []DecideResult {
	out := make([]DecideResult, 0, len(items))
	for _, item := range items {
		res := DecideResult{DiffID: item.DiffID}
		state, err := o.Decide(ctx, item)
		if err != nil {
			res.Err = err.Error()
		} else {
			res.NewState = state
		}
		out = append(out, res)
	}
	return out
}

// RevertDiff transitions an applied diff to reverted. The next draft
// rebuild simply excludes it; nothing is patched in place.
func (o *Orchestrator) RevertDiff(ctx context.Context, diffID, feedback string) error {
	d, err := o.ledger.Get(ctx, diffID)
	if err != nil {
		return err
	}

	h, err := o.handleFor(ctx, d.SessionID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return o.ledger.Revert(ctx, diffID, feedback)
}
