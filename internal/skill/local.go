package skill

import (
	"context"
	"fmt"

	"github.com/clauseguard/engine/internal/domain"
)

// invokeLocal runs an in-process handler under the configured
// timeout. Handler errors and panics are wrapped into typed engine
// errors carrying the skill id; they never escape raw.
func (r *Registry) invokeLocal(ctx context.Context, e *entry, input domain.SkillInput) (domain.SkillOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LocalTimeout)
	defer cancel()

	type result struct {
		out domain.SkillOutput
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := e.handler(ctx, input)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return domain.SkillOutput{}, domain.NewEngineError(domain.ErrSkillTimeout.Code,
				fmt.Sprintf("skill %q exceeded local timeout %s", e.reg.ID, r.cfg.LocalTimeout))
		}
		return domain.SkillOutput{}, domain.WrapEngineError(domain.ErrSkillExecution.Code,
			fmt.Sprintf("skill %q", e.reg.ID), ctx.Err())
	case res := <-done:
		if res.err != nil {
			return domain.SkillOutput{}, domain.NewEngineError(domain.ErrSkillExecution.Code,
				fmt.Sprintf("skill %q: %v", e.reg.ID, res.err))
		}
		return res.out, nil
	}
}
