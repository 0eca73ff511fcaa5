// Package executor contains the session run loop: stage sequencing,
// checkpoint/resume, quality gates, transient retries and fallback providers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/varenne/stagehand/internal/eventbus"
	"github.com/varenne/stagehand/internal/persistence"
	"github.com/varenne/stagehand/pkg/api"
)

// Config assembles an executor from its collaborators. Persistence is
// required; everything else has a working default.
type Config struct {
	Persistence persistence.Persistence

	// Events is the optional append-only audit log. Defaults to a no-op.
	Events persistence.EventStore

	// Observer receives synchronous lifecycle callbacks. Defaults to a no-op.
	Observer api.Observer

	// QueueSize is the per-subscriber event buffer.
	// <= 0 uses eventbus.DefaultQueueSize.
	QueueSize int
}

type executorImpl struct {
	sessions    persistence.SessionStore
	checkpoints persistence.CheckpointStore
	events      persistence.EventStore
	observer    api.Observer
	bus         *eventbus.Bus

	pipelines *pipelineRegistry
	providers *providerRegistry

	mu       sync.Mutex
	inflight map[string]*runState
}

// runState is the per-run bookkeeping owned by one session goroutine.
type runState struct {
	cancelled atomic.Bool
	done      chan struct{}
	unsub     func()

	// branched records gate branch transfers already taken, one per
	// gated stage, so a failing gate cannot loop forever.
	branched map[int]bool
}

var _ api.Executor = (*executorImpl)(nil)

// New creates an executor from cfg.
func New(cfg Config) (api.Executor, error) {
	if cfg.Persistence.Sessions == nil || cfg.Persistence.Checkpoints == nil {
		return nil, errors.New("executor requires session and checkpoint stores")
	}

	observer := cfg.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	events := cfg.Events
	if events == nil {
		events = persistence.NoopEventStore{}
	}

	return &executorImpl{
		sessions:    cfg.Persistence.Sessions,
		checkpoints: cfg.Persistence.Checkpoints,
		events:      events,
		observer:    observer,
		bus:         eventbus.New(cfg.QueueSize),
		pipelines:   newPipelineRegistry(),
		providers:   newProviderRegistry(),
		inflight:    make(map[string]*runState),
	}, nil
}

func (e *executorImpl) RegisterPipeline(def api.PipelineDefinition) error {
	if def.Name == "" {
		return errors.New("pipeline name must not be empty")
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("pipeline %q must declare at least one stage", def.Name)
	}
	if def.SchemaVersion <= 0 {
		def.SchemaVersion = 1
	}

	seen := make(map[string]int, len(def.Stages))
	for i, s := range def.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline %q: stage %d has no name", def.Name, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("pipeline %q: duplicate stage %q", def.Name, s.Name)
		}
		seen[s.Name] = i
		if s.Fn == nil {
			return fmt.Errorf("pipeline %q: stage %q has no function", def.Name, s.Name)
		}
		if s.Gate != nil && s.Gate.BranchTo != "" {
			target, ok := seen[s.Gate.BranchTo]
			if !ok || target >= i {
				return fmt.Errorf("pipeline %q: stage %q branch target %q must be an earlier stage",
					def.Name, s.Name, s.Gate.BranchTo)
			}
		}
	}

	return e.pipelines.Register(def)
}

func (e *executorImpl) RegisterProvider(p api.Provider) error {
	return e.providers.Register(p)
}

func (e *executorImpl) Start(ctx context.Context, pipeline string, input api.Payload) (*api.SessionHandle, error) {
	def, err := e.pipelines.Get(pipeline)
	if err != nil {
		return nil, err
	}

	first := def.Stages[0]
	if !input.MatchesKind(first.InputKind) {
		return nil, &api.FatalStageError{
			Stage:  first.Name,
			Reason: fmt.Sprintf("input kind %q does not satisfy declared kind %q", input.Kind, first.InputKind),
		}
	}

	sess := &api.Session{
		ID:           uuid.NewString(),
		Pipeline:     def.Name,
		CreatedAt:    time.Now(),
		Status:       api.StatusPending,
		Input:        input,
		StageOutputs: make(map[int]api.Payload),
	}
	if err := e.sessions.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	return e.launch(ctx, def, sess, api.EventSessionStarted)
}

func (e *executorImpl) Resume(ctx context.Context, sessionID string) (*api.SessionHandle, error) {
	e.mu.Lock()
	_, busy := e.inflight[sessionID]
	e.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: %s", api.ErrSessionBusy, sessionID)
	}

	sess, err := e.sessions.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			return nil, &api.ResumeError{SessionID: sessionID, Reason: "unknown session", Err: api.ErrSessionNotFound}
		}
		return nil, err
	}

	switch sess.Status {
	case api.StatusRunning:
		return nil, fmt.Errorf("%w: %s", api.ErrSessionBusy, sessionID)
	case api.StatusCompleted:
		return nil, &api.ResumeError{SessionID: sessionID, Reason: "session already completed"}
	}

	def, err := e.pipelines.Get(sess.Pipeline)
	if err != nil {
		return nil, &api.ResumeError{SessionID: sessionID, Reason: "pipeline not registered", Err: err}
	}

	// Fail fast before the run goroutine starts: a corrupt or mismatched
	// checkpoint is surfaced from Resume itself.
	if err := e.validateCheckpoints(ctx, def, sessionID); err != nil {
		return nil, err
	}

	sess.Err = nil
	sess.FailReason = ""

	return e.launch(ctx, def, sess, api.EventSessionResumed)
}

// launch reserves the in-flight slot and starts the run goroutine.
func (e *executorImpl) launch(ctx context.Context, def api.PipelineDefinition, sess *api.Session, startEvent api.EventType) (*api.SessionHandle, error) {
	e.mu.Lock()
	if _, busy := e.inflight[sess.ID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", api.ErrSessionBusy, sess.ID)
	}
	state := &runState{
		done:     make(chan struct{}),
		branched: make(map[int]bool),
	}
	e.inflight[sess.ID] = state
	e.mu.Unlock()

	// The transition to RUNNING happens under the in-flight reservation, so
	// a PENDING session is never observed once Start returns.
	sess.Status = api.StatusRunning
	if err := e.sessions.UpdateSession(sess); err != nil {
		e.mu.Lock()
		delete(e.inflight, sess.ID)
		e.mu.Unlock()
		return nil, fmt.Errorf("update session: %w", err)
	}

	events, unsub := e.bus.Subscribe(sess.ID)
	state.unsub = unsub

	// The session outlives the caller of Start/Resume; only Cancel stops it.
	runCtx := context.WithoutCancel(ctx)

	e.publish(runCtx, sess, api.Event{Type: startEvent, Ordinal: -1})
	e.observer.OnSessionStart(runCtx, sess)

	go e.run(runCtx, def, sess, state)

	fetch := func(ctx context.Context) (*api.Session, error) {
		return e.GetSession(ctx, sess.ID)
	}
	return api.NewSessionHandle(sess.ID, events, state.done, fetch), nil
}

// validateCheckpoints decodes every live checkpoint against the current
// pipeline definition.
func (e *executorImpl) validateCheckpoints(ctx context.Context, def api.PipelineDefinition, sessionID string) error {
	ordinals, err := e.checkpoints.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return &api.ResumeError{SessionID: sessionID, Reason: "list checkpoints", Err: err}
	}
	for _, ord := range ordinals {
		cp, err := e.checkpoints.LoadCheckpoint(ctx, sessionID, ord)
		if err != nil {
			return &api.ResumeError{SessionID: sessionID, Reason: fmt.Sprintf("load checkpoint %d", ord), Err: err}
		}
		if _, err := decodeCheckpointPayload(def, cp); err != nil {
			return &api.ResumeError{SessionID: sessionID, Reason: fmt.Sprintf("checkpoint %d", ord), Err: err}
		}
	}
	return nil
}

func (e *executorImpl) Cancel(sessionID string) error {
	e.mu.Lock()
	state, ok := e.inflight[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel session %s: not running", sessionID)
	}
	state.cancelled.Store(true)
	return nil
}

func (e *executorImpl) GetSession(ctx context.Context, id string) (*api.Session, error) {
	sess, err := e.sessions.GetSession(id)
	if err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrSessionNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

func (e *executorImpl) GetStatus(ctx context.Context, id string) (api.SessionStatus, error) {
	sess, err := e.GetSession(ctx, id)
	if err != nil {
		return api.SessionStatus{}, err
	}
	status := api.SessionStatus{
		Status:       sess.Status,
		CurrentStage: sess.CurrentStage,
	}
	if sess.Err != nil {
		status.LastError = sess.Err.Error()
	}
	return status, nil
}

func (e *executorImpl) ListSessions(ctx context.Context, opts api.SessionListOptions) ([]*api.Session, error) {
	return e.sessions.ListSessions(persistence.SessionFilter{
		Pipeline: opts.Pipeline,
		Status:   opts.Status,
	})
}

func (e *executorImpl) Subscribe(sessionID string) (<-chan api.Event, func()) {
	return e.bus.Subscribe(sessionID)
}

func (e *executorImpl) DeleteSession(ctx context.Context, id string) error {
	e.mu.Lock()
	_, busy := e.inflight[id]
	e.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s", api.ErrSessionBusy, id)
	}

	if err := e.checkpoints.DeleteCheckpoints(ctx, id); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if err := e.sessions.DeleteSession(id); err != nil {
		if errors.Is(err, persistence.ErrSessionNotFound) {
			return fmt.Errorf("%w: %s", api.ErrSessionNotFound, id)
		}
		return err
	}
	return nil
}

func (e *executorImpl) RecoverStalledSessions(ctx context.Context) (int, error) {
	sessions, err := e.sessions.ListSessions(persistence.SessionFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, sess := range sessions {
		e.mu.Lock()
		_, owned := e.inflight[sess.ID]
		e.mu.Unlock()
		if owned {
			continue
		}

		sess.Status = api.StatusFailed
		sess.Err = errors.New("session interrupted: no live executor owns it")
		if err := e.sessions.UpdateSession(sess); err != nil {
			return recovered, err
		}
		e.publish(ctx, sess, api.Event{Type: api.EventSessionFailed, Ordinal: -1, Detail: sess.Err.Error()})
		recovered++
	}
	return recovered, nil
}

// publish stamps the session context onto ev, fans it out on the bus and
// appends it to the audit log.
func (e *executorImpl) publish(ctx context.Context, sess *api.Session, ev api.Event) {
	ev.SessionID = sess.ID
	ev.Pipeline = sess.Pipeline
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.bus.Publish(ev)
	_ = e.events.AppendEvent(ctx, ev)
}
