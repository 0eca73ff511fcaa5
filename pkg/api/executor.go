package api

import (
	"context"
)

// Executor drives sessions through their pipeline's stage sequence to
// completion or terminal failure. One executor serves many concurrent
// sessions; each session runs end-to-end on its own goroutine, strictly one
// stage at a time.
type Executor interface {
	// RegisterPipeline registers a definition by name.
	RegisterPipeline(def PipelineDefinition) error

	// RegisterProvider makes a capability provider available to stages
	// by its ID.
	RegisterProvider(p Provider) error

	// Start creates a new session for the named pipeline and begins
	// executing it. The initial input must satisfy the first stage's
	// declared input kind. The returned handle can be polled, waited on,
	// and subscribed to for progress events.
	Start(ctx context.Context, pipeline string, input Payload) (*SessionHandle, error)

	// Resume continues a previously interrupted session from its latest
	// checkpoint. A session with zero checkpoints restarts from the first
	// stage. Resuming a session that is currently running fails fast with
	// ErrSessionBusy; an unknown session or a corrupt/mismatched
	// checkpoint fails with a ResumeError.
	Resume(ctx context.Context, sessionID string) (*SessionHandle, error)

	// Cancel requests cooperative cancellation: the in-flight stage
	// attempt finishes on its own terms, then the session transitions to
	// FAILED with reason CANCELLED. Cancelling a session that is not
	// running returns an error.
	Cancel(sessionID string) error

	// GetSession returns a snapshot of the session record.
	GetSession(ctx context.Context, id string) (*Session, error)

	// GetStatus is the compact status query surface.
	GetStatus(ctx context.Context, id string) (SessionStatus, error)

	// ListSessions returns sessions matching the given options.
	// If options are zero-valued, all sessions are returned.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]*Session, error)

	// Subscribe attaches an event stream. sessionID filters to one
	// session; "" subscribes to all sessions. The returned function
	// detaches the subscriber and closes the channel.
	Subscribe(sessionID string) (<-chan Event, func())

	// DeleteSession removes a terminal session and all of its
	// checkpoints. Deleting a running session returns ErrSessionBusy.
	DeleteSession(ctx context.Context, id string) error

	// RecoverStalledSessions scans for sessions persisted as RUNNING that
	// no in-flight execution owns (for example after a process crash) and
	// marks them FAILED so they become resumable.
	//
	// It returns the number of sessions it updated. Call it on process
	// startup before starting any new work.
	RecoverStalledSessions(ctx context.Context) (int, error)
}

// SessionHandle is the caller's view of one in-flight session.
type SessionHandle struct {
	id     string
	events <-chan Event
	done   <-chan struct{}
	fetch  func(ctx context.Context) (*Session, error)
}

// NewSessionHandle is used by executor implementations; applications receive
// handles from Executor.Start and Executor.Resume.
func NewSessionHandle(id string, events <-chan Event, done <-chan struct{}, fetch func(ctx context.Context) (*Session, error)) *SessionHandle {
	return &SessionHandle{id: id, events: events, done: done, fetch: fetch}
}

// ID returns the session ID.
func (h *SessionHandle) ID() string { return h.id }

// Events streams this session's lifecycle events. The channel is closed when
// the session reaches a terminal state. Slow consumers lose oldest events
// rather than stalling the pipeline.
func (h *SessionHandle) Events() <-chan Event { return h.events }

// Done is closed when the session reaches a terminal state.
func (h *SessionHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session terminates or ctx expires, then returns the
// final session record. A FAILED session is returned together with its
// terminal error.
func (h *SessionHandle) Wait(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	sess, err := h.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusFailed && sess.Err != nil {
		return sess, sess.Err
	}
	return sess, nil
}
