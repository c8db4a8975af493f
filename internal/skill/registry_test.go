package skill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

func okHandler(out domain.SkillOutput) Handler {
	return func(ctx context.Context, input domain.SkillInput) (domain.SkillOutput, error) {
		return out, nil
	}
}

func localReg(id string) domain.SkillRegistration {
	return domain.SkillRegistration{ID: id, Backend: domain.BackendLocal}
}

func remoteReg(id, workflow string) domain.SkillRegistration {
	return domain.SkillRegistration{ID: id, Backend: domain.BackendRemote, WorkflowID: workflow}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	if err := r.Register(localReg("dup"), okHandler(domain.SkillOutput{}), nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(localReg("dup"), okHandler(domain.SkillOutput{}), nil)
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrDuplicateSkill.Code {
		t.Errorf("expected ErrDuplicateSkill, got %v", err)
	}
}

func TestRegisterRemoteWithoutTransportSkips(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	if err := r.Register(remoteReg("summarize", "wf-1"), nil, nil); err != nil {
		t.Fatalf("expected skip, not error: %v", err)
	}

	if _, ok := r.Lookup("summarize"); ok {
		t.Error("skipped skill must not be routable")
	}
	skipped := r.Skipped()
	if len(skipped) != 1 || skipped[0].ID != "summarize" {
		t.Errorf("expected skipped record, got %v", skipped)
	}

	// The id stays reserved.
	if err := r.Register(remoteReg("summarize", "wf-2"), nil, nil); err == nil {
		t.Error("re-registering a skipped id should fail")
	}
}

func TestFreezeRejectsLateRegistration(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	r.Freeze()
	err := r.Register(localReg("late"), okHandler(domain.SkillOutput{}), nil)
	if err != domain.ErrRegistryFrozen {
		t.Errorf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestInvokeLocal(t *testing.T) {
	want := domain.SkillOutput{Findings: []domain.Finding{{Kind: "x", Message: "m", Severity: "low"}}}
	r := NewRegistry(Config{}, nil, nil)
	if err := r.Register(localReg("check"), okHandler(want), nil); err != nil {
		t.Fatal(err)
	}

	out, err := r.Invoke(context.Background(), "check", domain.SkillInput{ClauseID: "1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Findings) != 1 || out.Findings[0].Kind != "x" {
		t.Errorf("unexpected output %+v", out)
	}
}

func TestInvokeLocalErrorWrapped(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	boom := func(ctx context.Context, in domain.SkillInput) (domain.SkillOutput, error) {
		return domain.SkillOutput{}, fmt.Errorf("analysis exploded")
	}
	if err := r.Register(localReg("boom"), boom, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "boom", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrSkillExecution.Code {
		t.Fatalf("expected ErrSkillExecution, got %v", err)
	}
	if !strings.Contains(engErr.Message, `skill "boom"`) {
		t.Errorf("error should carry skill id: %q", engErr.Message)
	}
}

func TestInvokeLocalPanicWrapped(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	panicky := func(ctx context.Context, in domain.SkillInput) (domain.SkillOutput, error) {
		panic("nil map write")
	}
	if err := r.Register(localReg("panicky"), panicky, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "panicky", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrSkillExecution.Code {
		t.Fatalf("expected wrapped panic, got %v", err)
	}
}

func TestInvokeLocalTimeout(t *testing.T) {
	r := NewRegistry(Config{LocalTimeout: 20 * time.Millisecond}, nil, nil)
	slow := func(ctx context.Context, in domain.SkillInput) (domain.SkillOutput, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return domain.SkillOutput{}, ctx.Err()
	}
	if err := r.Register(localReg("slow"), slow, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "slow", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrSkillTimeout.Code {
		t.Fatalf("expected ErrSkillTimeout, got %v", err)
	}
}

func TestInvokeUnknownSkill(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	_, err := r.Invoke(context.Background(), "nope", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrSkillNotFound.Code {
		t.Errorf("expected ErrSkillNotFound, got %v", err)
	}
}

func TestInputBuilderPerSkill(t *testing.T) {
	r := NewRegistry(Config{}, nil, nil)
	builder := func(clause *domain.ClauseNode, prior map[string]domain.SkillOutput, docCtx map[string]string) domain.SkillInput {
		return domain.SkillInput{ClauseID: clause.ID, ClauseText: "custom:" + clause.Text}
	}
	if err := r.Register(localReg("custom"), okHandler(domain.SkillOutput{}), builder); err != nil {
		t.Fatal(err)
	}

	clause := &domain.ClauseNode{ID: "4", Text: "body"}
	input, err := r.BuildInput("custom", clause, nil, nil)
	if err != nil {
		t.Fatalf("BuildInput: %v", err)
	}
	if input.ClauseText != "custom:body" {
		t.Errorf("custom builder not used: %+v", input)
	}

	if _, err := r.BuildInput("absent", clause, nil, nil); err == nil {
		t.Error("expected error for unregistered skill")
	}
}

// fakeTransport scripts remote submit/poll behavior.
type fakeTransport struct {
	mu        sync.Mutex
	submitErr error
	polls     []pollStep
	pollIdx   int
	submits   int
}

type pollStep struct {
	status *RemoteStatus
	err    error
}

func (f *fakeTransport) Submit(ctx context.Context, workflowID string, input domain.SkillInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "exec-1", nil
}

func (f *fakeTransport) Poll(ctx context.Context, executionID string) (*RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.polls[f.pollIdx]
	if f.pollIdx < len(f.polls)-1 {
		f.pollIdx++
	}
	return step.status, step.err
}

func remoteConfig() Config {
	return Config{
		PollBudget:         500 * time.Millisecond,
		PollBackoff:        time.Millisecond,
		PollMaxBackoff:     2 * time.Millisecond,
		MaxTransportErrors: 2,
	}
}

func TestInvokeRemoteCompletes(t *testing.T) {
	want := domain.SkillOutput{Findings: []domain.Finding{{Kind: "remote", Severity: "high"}}}
	ft := &fakeTransport{polls: []pollStep{
		{status: &RemoteStatus{State: RemoteRunning}},
		{status: &RemoteStatus{State: RemoteCompleted, Output: want}},
	}}
	r := NewRegistry(remoteConfig(), ft, nil)
	if err := r.Register(remoteReg("deep", "wf-deep"), nil, nil); err != nil {
		t.Fatal(err)
	}

	out, err := r.Invoke(context.Background(), "deep", domain.SkillInput{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Findings) != 1 || out.Findings[0].Kind != "remote" {
		t.Errorf("unexpected output %+v", out)
	}
}

func TestInvokeRemoteFailure(t *testing.T) {
	ft := &fakeTransport{polls: []pollStep{
		{status: &RemoteStatus{State: RemoteFailed, Failure: "model refused"}},
	}}
	r := NewRegistry(remoteConfig(), ft, nil)
	if err := r.Register(remoteReg("deep", "wf-deep"), nil, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "deep", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrRemoteExecution.Code {
		t.Fatalf("expected ErrRemoteExecution, got %v", err)
	}
}

func TestInvokeRemoteTransientErrorRetried(t *testing.T) {
	ft := &fakeTransport{polls: []pollStep{
		{err: fmt.Errorf("connection reset")},
		{status: &RemoteStatus{State: RemoteCompleted}},
	}}
	r := NewRegistry(remoteConfig(), ft, nil)
	if err := r.Register(remoteReg("deep", "wf-deep"), nil, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Invoke(context.Background(), "deep", domain.SkillInput{}); err != nil {
		t.Fatalf("transient error should be retried, got %v", err)
	}
}

func TestInvokeRemoteUnavailableAfterConsecutiveErrors(t *testing.T) {
	ft := &fakeTransport{polls: []pollStep{
		{err: fmt.Errorf("connection reset")},
	}}
	r := NewRegistry(remoteConfig(), ft, nil)
	if err := r.Register(remoteReg("deep", "wf-deep"), nil, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "deep", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrRemoteUnavailable.Code {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestInvokeRemotePollBudgetExhausted(t *testing.T) {
	ft := &fakeTransport{polls: []pollStep{
		{status: &RemoteStatus{State: RemoteRunning}},
	}}
	cfg := remoteConfig()
	cfg.PollBudget = 10 * time.Millisecond
	r := NewRegistry(cfg, ft, nil)
	if err := r.Register(remoteReg("deep", "wf-deep"), nil, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "deep", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrRemoteTimeout.Code {
		t.Fatalf("expected ErrRemoteTimeout, got %v", err)
	}
}

func TestInvokeRemoteSubmitFails(t *testing.T) {
	ft := &fakeTransport{submitErr: fmt.Errorf("dns failure")}
	r := NewRegistry(remoteConfig(), ft, nil)
	if err := r.Register(remoteReg("deep", "wf-deep"), nil, nil); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "deep", domain.SkillInput{})
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) || engErr.Code != domain.ErrRemoteUnavailable.Code {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}
