package api

import (
	"context"
	"time"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionResumed   EventType = "session.resumed"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"
	EventSessionCancelled EventType = "session.cancelled"

	EventStageStarted   EventType = "stage.started"
	EventStageProgress  EventType = "stage.progress"
	EventStageRetrying  EventType = "stage.retrying"
	EventStageSkipped   EventType = "stage.skipped"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"

	EventGateRejected EventType = "gate.rejected"
	EventGateBranched EventType = "gate.branched"

	EventCheckpointSaved    EventType = "checkpoint.saved"
	EventCheckpointRestored EventType = "checkpoint.restored"
)

// Event is an immutable record of a lifecycle transition. The executor
// produces events; zero or more subscribers consume them. Persistence is the
// subscriber's responsibility (see the persistence.EventStore audit log).
//
// Events for one session are delivered to each subscriber in publish order;
// no cross-session ordering is guaranteed.
type Event struct {
	SessionID string
	At        time.Time
	Type      EventType

	// Optional context.
	Pipeline string
	Stage    string
	Ordinal  int
	Attempt  int

	// Small, human-oriented details (error string, score). Keep this
	// low-volume: do NOT dump stage payloads here.
	Detail string
}

// ProgressFunc reports intermediate progress from inside a stage.
type ProgressFunc func(detail string)

type progressKey struct{}

// WithProgress attaches a progress reporter to ctx. The executor installs one
// for each stage attempt; tests may install their own.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress emits a stage.progress event for the running attempt. Stages
// call it from inside their StageFunc for long operations. It is a no-op when
// no reporter is attached to ctx.
func ReportProgress(ctx context.Context, detail string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		fn(detail)
	}
}
