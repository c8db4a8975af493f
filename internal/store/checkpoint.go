package store

import (
	"context"

	"github.com/clauseguard/engine/internal/domain"
)

// CheckpointStore persists session checkpoints. The layout is logical
// and not tied to any storage engine: the full SessionState travels as
// one self-describing record keyed by session id, so a cold process
// can rehydrate a session that was in flight at a previous crash.
type CheckpointStore interface {
	// Save durably writes the checkpoint. Save enforces optimistic
	// locking on SessionState.StateVersion: the write succeeds only
	// if the stored version still matches, and bumps the version in
	// the passed state on success.
	Save(ctx context.Context, state *domain.SessionState) error

	// Load returns the checkpoint for a session, or
	// domain.ErrCheckpointMissing if none exists.
	Load(ctx context.Context, sessionID string) (*domain.SessionState, error)

	// Archive marks a finished session's checkpoint as archived.
	// Archived checkpoints remain loadable for export and audit;
	// backends may attach an eviction TTL.
	Archive(ctx context.Context, sessionID string) error
}
