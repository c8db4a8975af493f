package skill

import (
	"context"
	"fmt"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// RemoteState is the execution state reported by a remote workflow.
type RemoteState string

const (
	RemoteRunning   RemoteState = "running"
	RemoteCompleted RemoteState = "completed"
	RemoteFailed    RemoteState = "failed"
)

// RemoteStatus is one poll result for a remote execution.
type RemoteStatus struct {
	State   RemoteState        `json:"state"`
	Output  domain.SkillOutput `json:"output"`
	Failure string             `json:"failure,omitempty"`
}

// Transport submits work to a remote workflow backend and polls for
// its completion. Errors returned by Transport methods are network
// errors; an application failure is a RemoteStatus with state failed.
type Transport interface {
	Submit(ctx context.Context, workflowID string, input domain.SkillInput) (executionID string, err error)
	Poll(ctx context.Context, executionID string) (*RemoteStatus, error)
}

// invokeRemote drives the two-phase submit/poll protocol. Polling
// backs off exponentially up to the configured cap. Transient
// network errors are retried; a run of consecutive network errors
// beyond the configured count escalates to ErrRemoteUnavailable. A
// poll budget overrun surfaces as ErrRemoteTimeout, a reported
// workflow failure as ErrRemoteExecution.
func (r *Registry) invokeRemote(ctx context.Context, e *entry, input domain.SkillInput) (domain.SkillOutput, error) {
	deadline := time.Now().Add(r.cfg.PollBudget)

	execID, err := r.transport.Submit(ctx, e.reg.WorkflowID, input)
	if err != nil {
		return domain.SkillOutput{}, domain.WrapEngineError(domain.ErrRemoteUnavailable.Code,
			fmt.Sprintf("submit workflow %q for skill %q", e.reg.WorkflowID, e.reg.ID), err)
	}

	backoff := r.cfg.PollBackoff
	netErrs := 0

	for {
		if time.Now().After(deadline) {
			return domain.SkillOutput{}, domain.NewEngineError(domain.ErrRemoteTimeout.Code,
				fmt.Sprintf("skill %q execution %s exceeded poll budget %s", e.reg.ID, execID, r.cfg.PollBudget))
		}

		status, err := r.transport.Poll(ctx, execID)
		if err != nil {
			netErrs++
			if netErrs > r.cfg.MaxTransportErrors {
				return domain.SkillOutput{}, domain.WrapEngineError(domain.ErrRemoteUnavailable.Code,
					fmt.Sprintf("skill %q: %d consecutive transport errors", e.reg.ID, netErrs), err)
			}
			r.logger.Warn("remote poll transport error, retrying",
				"skill", e.reg.ID, "execution", execID, "attempt", netErrs, "err", err)
		} else {
			netErrs = 0
			switch status.State {
			case RemoteCompleted:
				return status.Output, nil
			case RemoteFailed:
				return domain.SkillOutput{}, domain.NewEngineError(domain.ErrRemoteExecution.Code,
					fmt.Sprintf("skill %q execution %s failed: %s", e.reg.ID, execID, status.Failure))
			}
		}

		select {
		case <-ctx.Done():
			return domain.SkillOutput{}, domain.WrapEngineError(domain.ErrRemoteTimeout.Code,
				fmt.Sprintf("skill %q execution %s", e.reg.ID, execID), ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.PollMaxBackoff {
			backoff = r.cfg.PollMaxBackoff
		}
	}
}
