// Package domain defines the core types for the clause review engine.
package domain

// SessionStatus represents the lifecycle status of a review session.
type SessionStatus string

const (
	StatusCreated     SessionStatus = "created"
	StatusUploading   SessionStatus = "uploading_inputs"
	StatusReviewing   SessionStatus = "reviewing"
	StatusInterrupted SessionStatus = "interrupted"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ClauseFlag marks parsing anomalies on a clause node.
type ClauseFlag string

const (
	FlagUnstructured ClauseFlag = "unstructured"
	FlagSuperseded   ClauseFlag = "superseded"
	FlagSynthetic    ClauseFlag = "synthetic"
)

// ClauseNode is one clause in the parsed document tree. Nodes are
// created at parse time and never mutated afterwards; re-parsing
// produces a new tree.
type ClauseNode struct {
	ID        string
	Text      string
	Parent    *ClauseNode
	Children  []*ClauseNode
	Depth     int
	Flags     []ClauseFlag
	CrossRefs []string
}

// HasFlag reports whether the node carries the given flag.
func (n *ClauseNode) HasFlag(f ClauseFlag) bool {
	for _, have := range n.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// SkillBackend identifies where a skill executes.
type SkillBackend string

const (
	BackendLocal  SkillBackend = "local"
	BackendRemote SkillBackend = "remote"
)

// SkillStatus tags registration maturity. It is used for
// discoverability only, never for routing.
type SkillStatus string

const (
	SkillActive  SkillStatus = "active"
	SkillPreview SkillStatus = "preview"
)

// SkillInput is the declared input of a skill invocation.
type SkillInput struct {
	ClauseID   string            `json:"clause_id"`
	ClauseText string            `json:"clause_text"`
	Context    map[string]string `json:"context,omitempty"`
	// PriorOutputs carries outputs of skills already run for the same
	// clause, keyed by skill id, so skills can depend on each other
	// within one clause step.
	PriorOutputs map[string]SkillOutput `json:"prior_outputs,omitempty"`
}

// Finding is a single analysis observation produced by a skill.
type Finding struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ProposedMutation is a skill's request to change the document. The
// orchestrator folds these into ledger diffs.
type ProposedMutation struct {
	Kind     MutationKind   `json:"kind"`
	Params   MutationParams `json:"params"`
	Reason   string         `json:"reason"`
	Severity string         `json:"severity"`
}

// SkillOutput is the declared output of a skill invocation.
type SkillOutput struct {
	Findings  []Finding          `json:"findings,omitempty"`
	Mutations []ProposedMutation `json:"mutations,omitempty"`
}

// SkillRegistration declares a skill available to the dispatcher.
// Registrations are loaded at construction time and are immutable for
// the lifetime of the dispatcher instance.
type SkillRegistration struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Backend     SkillBackend `json:"backend" yaml:"backend"`
	// WorkflowID names the remote workflow for remote registrations.
	WorkflowID string `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	// Domain scopes the skill to a document-type plugin.
	Domain string      `json:"domain,omitempty" yaml:"domain,omitempty"`
	Status SkillStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// ChecklistItem defines what the orchestrator must do for one clause
// category: which skills to run, in which order, and whether a skill
// failure blocks the session.
type ChecklistItem struct {
	ClausePattern string   `json:"clause_pattern" yaml:"clause_pattern"`
	Priority      int      `json:"priority" yaml:"priority"`
	Skills        []string `json:"skills" yaml:"skills"`
	// Blocking lists skills whose failure aborts the session instead
	// of being recorded and skipped.
	Blocking    []string `json:"blocking,omitempty" yaml:"blocking,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// MutationKind enumerates the supported document mutations.
type MutationKind string

const (
	MutationReplace      MutationKind = "replace"
	MutationBatchReplace MutationKind = "batch_replace"
	MutationInsert       MutationKind = "insert"
)

// MutationParams carries the kind-specific operation parameters of a
// diff. Only the fields for the diff's kind are set. Params are
// frozen at diff creation.
type MutationParams struct {
	// replace
	NewText string `json:"new_text,omitempty"`
	// batch_replace
	Find    string   `json:"find,omitempty"`
	Replace string   `json:"replace,omitempty"`
	Scope   []string `json:"scope,omitempty"` // empty means all occurrences
	// insert
	AfterClauseID string `json:"after_clause_id,omitempty"` // empty means prepend
	InsertText    string `json:"insert_text,omitempty"`
}

// DiffState is the lifecycle state of a proposed mutation.
type DiffState string

const (
	DiffPending  DiffState = "pending"
	DiffApplied  DiffState = "applied"
	DiffRejected DiffState = "rejected"
	DiffReverted DiffState = "reverted"
)

// Diff is a proposed document mutation tracked by the ledger. Only
// lifecycle state, decision metadata, feedback, and override text may
// change after creation.
type Diff struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	ClauseID     string         `json:"clause_id"`
	Kind         MutationKind   `json:"kind"`
	Params       MutationParams `json:"params"`
	Skill        string         `json:"skill"`
	Reason       string         `json:"reason"`
	Severity     string         `json:"severity"`
	State        DiffState      `json:"state"`
	AppliedSeq   int64          `json:"applied_seq,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
	OverrideText string         `json:"override_text,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	DecidedAt    int64          `json:"decided_at,omitempty"`
}

// EffectiveText returns the replacement text a rebuild should use:
// the human override when present, otherwise the proposed text.
func (d Diff) EffectiveText() string {
	if d.OverrideText != "" {
		return d.OverrideText
	}
	switch d.Kind {
	case MutationReplace:
		return d.Params.NewText
	case MutationInsert:
		return d.Params.InsertText
	case MutationBatchReplace:
		return d.Params.Replace
	}
	return ""
}

// DocumentRole distinguishes the documents attached to a session.
type DocumentRole string

const (
	RolePrimary    DocumentRole = "primary"
	RoleBaseline   DocumentRole = "baseline"
	RoleSupplement DocumentRole = "supplement"
	RoleReference  DocumentRole = "reference"
)

// SkillResult records one skill invocation against one clause,
// including per-skill failures that did not abort the walk.
type SkillResult struct {
	Output SkillOutput `json:"output"`
	Err    string      `json:"err,omitempty"`
}

// SessionState is the durable checkpoint for one review session. It
// is persisted after every clause step so a process restart can
// resume without re-running completed clauses.
type SessionState struct {
	SessionID string                  `json:"session_id"`
	Documents map[DocumentRole]string `json:"documents"`
	Status    SessionStatus           `json:"status"`
	// Cursor is the index of the next clause to process.
	Cursor       int `json:"cursor"`
	TotalClauses int `json:"total_clauses"`
	// SkillResults is keyed "<clause id>/<skill id>".
	SkillResults map[string]SkillResult `json:"skill_results,omitempty"`
	// GatePending holds the diff ids that were pending at the moment
	// of interruption. The session resumes only once every one of
	// them has left the pending state.
	GatePending  []string `json:"gate_pending,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
	LastEventSeq int64    `json:"last_event_seq"`
	// StateVersion increments on every checkpoint save and backs the
	// optimistic lock on concurrent saves.
	StateVersion  int64 `json:"state_version"`
	CreatedAtUnix int64 `json:"created_at_unix"`
	UpdatedAtUnix int64 `json:"updated_at_unix"`
}

// ResultKey builds the SkillResults map key.
func ResultKey(clauseID, skillID string) string {
	return clauseID + "/" + skillID
}

// Summary is the completion report computed when a session finishes.
type Summary struct {
	SessionID       string            `json:"session_id"`
	TotalClauses    int               `json:"total_clauses"`
	DiffsByState    map[string]int    `json:"diffs_by_state"`
	DiffsBySeverity map[string]int    `json:"diffs_by_severity"`
	SkillFailures   map[string]string `json:"skill_failures,omitempty"`
}
