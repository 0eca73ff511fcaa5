package stagehand

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/varenne/stagehand/internal/executor"
	"github.com/varenne/stagehand/internal/persistence"
	"github.com/varenne/stagehand/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Executor           = api.Executor
	PipelineDefinition = api.PipelineDefinition
	StageDefinition    = api.StageDefinition
	Session            = api.Session
	SessionHandle      = api.SessionHandle
	SessionStatus      = api.SessionStatus
	SessionListOptions = api.SessionListOptions
	StageAttempt       = api.StageAttempt
	ResourceUsage      = api.ResourceUsage
	Status             = api.Status
	Outcome            = api.Outcome
	Payload            = api.Payload
	StageFunc          = api.StageFunc
	ScoreFunc          = api.ScoreFunc
	ApprovalFunc       = api.ApprovalFunc
	SkipFunc           = api.SkipFunc
	RetryPolicy        = api.RetryPolicy
	GatePolicy         = api.GatePolicy
	Provider           = api.Provider
	ProviderRequest    = api.ProviderRequest
	ProviderResponse   = api.ProviderResponse
	Event              = api.Event
	EventType          = api.EventType

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	FatalStageError = api.FatalStageError
	GateRejection   = api.GateRejection
	ResumeError     = api.ResumeError
)

// Re-export common helpers.

var (
	NewProvider          = api.NewProvider
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Transient   = api.Transient
	Fatal       = api.Fatal
	IsTransient = api.IsTransient

	ReportProgress = api.ReportProgress

	ErrSessionBusy     = api.ErrSessionBusy
	ErrSessionNotFound = api.ErrSessionNotFound
	ErrCancelled       = api.ErrCancelled
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

// Executor constructors
// These wrap the internal/executor package so external callers
// never need to import internal packages.

// NewInMemoryExecutor returns an Executor backed entirely by in-memory
// stores. State does not survive a restart; best for tests.
func NewInMemoryExecutor() Executor {
	return NewInMemoryExecutorWithObserver(nil)
}

// NewInMemoryExecutorWithObserver returns an in-memory Executor with the
// given Observer.
func NewInMemoryExecutorWithObserver(obs Observer) Executor {
	store := persistence.NewInMemoryStore()
	exec, err := executor.New(executor.Config{
		Persistence: persistence.Persistence{Sessions: store, Checkpoints: store},
		Observer:    obs,
	})
	if err != nil {
		panic(err)
	}
	return exec
}

// NewSQLiteExecutor returns an Executor that persists sessions, checkpoints
// and the event audit log in a SQLite database. Pipeline definitions are
// kept in-memory and must be re-registered on startup.
func NewSQLiteExecutor(db *sql.DB) (Executor, error) {
	return NewSQLiteExecutorWithObserver(db, nil)
}

// NewSQLiteExecutorWithObserver returns a SQLite-backed Executor with the
// given Observer.
func NewSQLiteExecutorWithObserver(db *sql.DB, obs Observer) (Executor, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return executor.New(executor.Config{
		Persistence: persistence.Persistence{Sessions: store, Checkpoints: store},
		Events:      events,
		Observer:    obs,
	})
}

// NewFileExecutor returns an Executor that writes each stage checkpoint as
// an atomically-replaced file under root. Session records are kept
// in-memory; checkpoints survive a restart and can be resumed by a fresh
// executor after re-registering the pipeline and re-creating the session.
func NewFileExecutor(root string) (Executor, error) {
	return NewFileExecutorWithObserver(root, nil)
}

// NewFileExecutorWithObserver returns a file-backed Executor with the given
// Observer.
func NewFileExecutorWithObserver(root string, obs Observer) (Executor, error) {
	checkpoints, err := persistence.NewFileCheckpointStore(root)
	if err != nil {
		return nil, err
	}
	return executor.New(executor.Config{
		Persistence: persistence.Persistence{
			Sessions:    persistence.NewInMemoryStore(),
			Checkpoints: checkpoints,
		},
		Observer: obs,
	})
}

// NewRedisExecutor returns an Executor that persists sessions and
// checkpoints in Redis under the given key prefix ("" uses a default).
func NewRedisExecutor(client *redis.Client, prefix string) Executor {
	return NewRedisExecutorWithObserver(client, prefix, nil)
}

// NewRedisExecutorWithObserver returns a Redis-backed Executor with the
// given Observer.
func NewRedisExecutorWithObserver(client *redis.Client, prefix string, obs Observer) Executor {
	store := persistence.NewRedisStore(client, prefix)
	exec, err := executor.New(executor.Config{
		Persistence: persistence.Persistence{Sessions: store, Checkpoints: store},
		Observer:    obs,
	})
	if err != nil {
		panic(err)
	}
	return exec
}

// Convenience helpers that just forward to the underlying Executor.

// Run starts a session and blocks until it terminates or ctx expires.
func Run(ctx context.Context, exec Executor, pipeline string, input Payload) (*Session, error) {
	handle, err := exec.Start(ctx, pipeline, input)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// ResumeAndWait resumes a session and blocks until it terminates or ctx
// expires.
func ResumeAndWait(ctx context.Context, exec Executor, sessionID string) (*Session, error) {
	handle, err := exec.Resume(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// GetStatus fetches the compact status of a session.
func GetStatus(ctx context.Context, exec Executor, id string) (SessionStatus, error) {
	return exec.GetStatus(ctx, id)
}

// ListSessions lists sessions according to the given options.
func ListSessions(ctx context.Context, exec Executor, opts SessionListOptions) ([]*Session, error) {
	return exec.ListSessions(ctx, opts)
}

// RecoverStalledSessions delegates to exec.RecoverStalledSessions.
//
// It is typically called on process startup before starting any new work:
//
//	count, err := stagehand.RecoverStalledSessions(ctx, exec)
func RecoverStalledSessions(ctx context.Context, exec Executor) (int, error) {
	return exec.RecoverStalledSessions(ctx)
}
