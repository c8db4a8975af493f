package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Parser errors (-32010 to -32029) ----

var (
	ErrEmptyDocument  = &EngineError{Code: -32010, Message: "document text is empty"}
	ErrBadPattern     = &EngineError{Code: -32011, Message: "clause numbering pattern does not compile"}
	ErrClauseNotFound = &EngineError{Code: -32012, Message: "clause not found"}
)

// ---- Skill registry / dispatcher errors (-32040 to -32069) ----

var (
	ErrDuplicateSkill     = &EngineError{Code: -32040, Message: "skill id already registered"}
	ErrSkillNotFound      = &EngineError{Code: -32041, Message: "skill not registered"}
	ErrUnsupportedBackend = &EngineError{Code: -32042, Message: "remote backend requested but no transport configured"}
	ErrSkillExecution     = &EngineError{Code: -32043, Message: "skill execution failed"}
	ErrSkillTimeout       = &EngineError{Code: -32044, Message: "skill exceeded local timeout"}
	ErrRemoteTimeout      = &EngineError{Code: -32045, Message: "remote workflow poll budget exhausted"}
	ErrRemoteExecution    = &EngineError{Code: -32046, Message: "remote workflow reported failure"}
	ErrRemoteUnavailable  = &EngineError{Code: -32047, Message: "remote transport unavailable"}
	ErrRegistryFrozen     = &EngineError{Code: -32048, Message: "registry is frozen; registrations are immutable"}
	ErrNoInputBuilder     = &EngineError{Code: -32049, Message: "no input builder registered for skill"}
)

// ---- Ledger errors (-32070 to -32099) ----

var (
	ErrDiffNotFound   = &EngineError{Code: -32070, Message: "diff not found"}
	ErrDiffNotPending = &EngineError{Code: -32071, Message: "diff is not pending"}
	ErrDiffNotApplied = &EngineError{Code: -32072, Message: "diff is not applied"}
	ErrDuplicateDiff  = &EngineError{Code: -32073, Message: "diff id already exists"}
)

// ---- Orchestrator / session errors (-32100 to -32129) ----

var (
	ErrSessionNotFound     = &EngineError{Code: -32100, Message: "session not found"}
	ErrDuplicateSession    = &EngineError{Code: -32101, Message: "session already exists"}
	ErrInvalidTransition   = &EngineError{Code: -32102, Message: "invalid session status transition"}
	ErrSessionTerminal     = &EngineError{Code: -32103, Message: "session is in a terminal state"}
	ErrNotInterrupted      = &EngineError{Code: -32104, Message: "session is not interrupted"}
	ErrApprovalsIncomplete = &EngineError{Code: -32105, Message: "approvals incomplete: gated diffs still pending"}
	ErrSessionRunning      = &EngineError{Code: -32106, Message: "session run loop is already active"}
	ErrOptimisticLock      = &EngineError{Code: -32107, Message: "optimistic lock conflict: checkpoint was modified concurrently"}
)

// ---- Store / checkpoint / config errors (-32130 to -32159) ----

var (
	ErrStoreInit         = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery        = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite        = &EngineError{Code: -32132, Message: "store write failed"}
	ErrCheckpointFailed  = &EngineError{Code: -32133, Message: "checkpoint persistence failed"}
	ErrCheckpointMissing = &EngineError{Code: -32134, Message: "no checkpoint for session"}
	ErrConfigInvalid     = &EngineError{Code: -32135, Message: "invalid configuration"}
)

// Retryable reports whether the error represents a transient
// condition the caller may retry (5xx-class), as opposed to a caller
// mistake (4xx-class).
func (e *EngineError) Retryable() bool {
	switch e.Code {
	case ErrRemoteTimeout.Code, ErrRemoteUnavailable.Code,
		ErrStoreQuery.Code, ErrStoreWrite.Code, ErrCheckpointFailed.Code,
		ErrOptimisticLock.Code:
		return true
	}
	return false
}
