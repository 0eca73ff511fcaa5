package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/varenne/stagehand/pkg/api"
)

var (
	// ErrSessionNotFound is returned when a session record is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCheckpointNotFound is returned when no checkpoint exists for a
	// (session, ordinal) key.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CheckpointMeta is the metadata header persisted alongside each checkpoint
// payload. A SchemaVersion mismatch on load is surfaced by the executor as a
// ResumeError, never silently best-effort parsed.
type CheckpointMeta struct {
	Stage         string
	PayloadKind   string
	SchemaVersion int
	CreatedAt     time.Time

	// Skipped marks a pass-through checkpoint written for a skipped stage.
	// Its payload carries the stage's input kind, not its output kind.
	Skipped bool
}

// Checkpoint is a durable snapshot of one completed stage's output.
// Payload holds the gob-encoded api.Payload.
type Checkpoint struct {
	SessionID string
	Ordinal   int
	Payload   []byte
	Meta      CheckpointMeta
}

// CheckpointStore persists stage outputs keyed by (session ID, ordinal).
//
// Invariant: at most one live checkpoint per key; SaveCheckpoint atomically
// replaces any prior checkpoint so a crash mid-write leaves either the
// previous valid record or none, never a corrupt one.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns ErrCheckpointNotFound when the key is absent.
	LoadCheckpoint(ctx context.Context, sessionID string, ordinal int) (Checkpoint, error)
	// ListCheckpoints returns the ordinals with a live checkpoint,
	// in ascending order.
	ListCheckpoints(ctx context.Context, sessionID string) ([]int, error)
	// DeleteCheckpoints removes all of a session's checkpoints.
	DeleteCheckpoints(ctx context.Context, sessionID string) error
	// DeleteCheckpointsFrom removes checkpoints with ordinal >= ordinal,
	// invalidating them after a gate branch transfers control backwards.
	DeleteCheckpointsFrom(ctx context.Context, sessionID string, ordinal int) error
}

// SessionFilter is used to select sessions from the store.
// Empty string / zero status mean "no filter" for that field.
type SessionFilter struct {
	Pipeline string
	Status   api.Status
}

// SessionStore handles storage of session records.
type SessionStore interface {
	SaveSession(sess *api.Session) error
	UpdateSession(sess *api.Session) error
	GetSession(id string) (*api.Session, error)
	ListSessions(filter SessionFilter) ([]*api.Session, error)
	DeleteSession(id string) error
}

// Persistence bundles the stores an executor needs.
type Persistence struct {
	Sessions    SessionStore
	Checkpoints CheckpointStore
}
