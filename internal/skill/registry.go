// Package skill implements the skill registry and dispatcher: a
// uniform invoke contract over analysis units that execute either
// in-process or as remote asynchronous workflows.
package skill

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clauseguard/engine/internal/domain"
)

// Handler is an in-process skill implementation. Handlers must be
// pure functions of their declared input: no hidden global state.
type Handler func(ctx context.Context, input domain.SkillInput) (domain.SkillOutput, error)

// InputBuilder assembles a skill's input from the clause under
// review, outputs already computed for that clause, and document
// context. Builders are registered alongside the skill itself so the
// dispatcher never grows a central per-skill conditional.
type InputBuilder func(clause *domain.ClauseNode, prior map[string]domain.SkillOutput, docCtx map[string]string) domain.SkillInput

// Config holds dispatcher tunables.
type Config struct {
	// LocalTimeout bounds a single local handler call.
	LocalTimeout time.Duration
	// PollBudget bounds the total wait for a remote workflow.
	PollBudget time.Duration
	// PollBackoff is the initial poll interval; it doubles up to
	// PollMaxBackoff.
	PollBackoff    time.Duration
	PollMaxBackoff time.Duration
	// MaxTransportErrors is how many consecutive network errors are
	// retried before the remote backend is declared unavailable.
	MaxTransportErrors int
}

func (c Config) withDefaults() Config {
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = 30 * time.Second
	}
	if c.PollBudget <= 0 {
		c.PollBudget = 5 * time.Minute
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = 500 * time.Millisecond
	}
	if c.PollMaxBackoff <= 0 {
		c.PollMaxBackoff = 10 * time.Second
	}
	if c.MaxTransportErrors <= 0 {
		c.MaxTransportErrors = 3
	}
	return c
}

type entry struct {
	reg     domain.SkillRegistration
	handler Handler
	builder InputBuilder
}

// Registry maps skill ids to their backends and exposes one uniform
// Invoke contract. Registrations happen at construction time; Freeze
// makes the registry immutable for its remaining lifetime.
type Registry struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	mu      sync.RWMutex
	frozen  bool
	entries map[string]*entry
	skipped map[string]domain.SkillRegistration
}

// NewRegistry creates a registry. transport may be nil; remote
// registrations are then skipped with a warning instead of failing
// on first invocation.
func NewRegistry(cfg Config, transport Transport, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg.withDefaults(),
		transport: transport,
		logger:    logger,
		entries:   make(map[string]*entry),
		skipped:   make(map[string]domain.SkillRegistration),
	}
}

// Register adds a skill. Local registrations need a handler; remote
// registrations need a workflow id and a configured transport. A
// remote registration without a transport is recorded as skipped and
// logged, never routed, and never an error: a deployment without
// remote capability still works for all local skills.
func (r *Registry) Register(reg domain.SkillRegistration, handler Handler, builder InputBuilder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return domain.ErrRegistryFrozen
	}
	if reg.ID == "" {
		return domain.NewEngineError(domain.ErrSkillNotFound.Code, "registration has empty skill id")
	}
	if _, exists := r.entries[reg.ID]; exists {
		return domain.NewEngineError(domain.ErrDuplicateSkill.Code,
			fmt.Sprintf("skill %q already registered", reg.ID))
	}
	if _, exists := r.skipped[reg.ID]; exists {
		return domain.NewEngineError(domain.ErrDuplicateSkill.Code,
			fmt.Sprintf("skill %q already registered (skipped)", reg.ID))
	}

	switch reg.Backend {
	case domain.BackendLocal:
		if handler == nil {
			return domain.NewEngineError(domain.ErrSkillExecution.Code,
				fmt.Sprintf("local skill %q registered without handler", reg.ID))
		}
	case domain.BackendRemote:
		if reg.WorkflowID == "" {
			return domain.NewEngineError(domain.ErrUnsupportedBackend.Code,
				fmt.Sprintf("remote skill %q has no workflow id", reg.ID))
		}
		if r.transport == nil {
			r.logger.Warn("skipping remote skill: no transport configured",
				"skill", reg.ID, "workflow", reg.WorkflowID)
			r.skipped[reg.ID] = reg
			return nil
		}
	default:
		return domain.NewEngineError(domain.ErrUnsupportedBackend.Code,
			fmt.Sprintf("skill %q has unknown backend %q", reg.ID, reg.Backend))
	}

	if builder == nil {
		builder = DefaultInputBuilder
	}
	r.entries[reg.ID] = &entry{reg: reg, handler: handler, builder: builder}
	return nil
}

// Freeze closes registration. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the registration for a routable skill id.
func (r *Registry) Lookup(skillID string) (domain.SkillRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[skillID]
	if !ok {
		return domain.SkillRegistration{}, false
	}
	return e.reg, true
}

// Skipped returns the registrations that were declined at
// registration time, sorted by id.
func (r *Registry) Skipped() []domain.SkillRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SkillRegistration, 0, len(r.skipped))
	for _, reg := range r.skipped {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuildInput runs the skill's registered input builder.
func (r *Registry) BuildInput(skillID string, clause *domain.ClauseNode, prior map[string]domain.SkillOutput, docCtx map[string]string) (domain.SkillInput, error) {
	r.mu.RLock()
	e, ok := r.entries[skillID]
	r.mu.RUnlock()
	if !ok {
		return domain.SkillInput{}, domain.NewEngineError(domain.ErrNoInputBuilder.Code,
			fmt.Sprintf("skill %q is not routable", skillID))
	}
	return e.builder(clause, prior, docCtx), nil
}

// Invoke dispatches a skill by id. The caller cannot tell whether the
// skill ran in-process or as a remote workflow.
func (r *Registry) Invoke(ctx context.Context, skillID string, input domain.SkillInput) (domain.SkillOutput, error) {
	r.mu.RLock()
	e, ok := r.entries[skillID]
	r.mu.RUnlock()
	if !ok {
		return domain.SkillOutput{}, domain.NewEngineError(domain.ErrSkillNotFound.Code,
			fmt.Sprintf("skill %q is not registered", skillID))
	}

	switch e.reg.Backend {
	case domain.BackendLocal:
		return r.invokeLocal(ctx, e, input)
	default:
		return r.invokeRemote(ctx, e, input)
	}
}

// DefaultInputBuilder is used when a skill registers no builder of
// its own: clause text plus document context plus all prior outputs.
func DefaultInputBuilder(clause *domain.ClauseNode, prior map[string]domain.SkillOutput, docCtx map[string]string) domain.SkillInput {
	return domain.SkillInput{
		ClauseID:     clause.ID,
		ClauseText:   clause.Text,
		Context:      docCtx,
		PriorOutputs: prior,
	}
}
