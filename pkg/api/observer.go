package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives synchronous callbacks from the executor for logging and
// metrics. For streaming consumption use the event bus instead.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay pipeline execution.
type Observer interface {
	// OnSessionStart is called once when a session is first started,
	// before the first stage executes.
	OnSessionStart(ctx context.Context, sess *Session)

	// OnSessionCompleted is called when a session reaches StatusCompleted.
	OnSessionCompleted(ctx context.Context, sess *Session)

	// OnSessionFailed is called when a session transitions to StatusFailed,
	// including cancellation.
	OnSessionFailed(ctx context.Context, sess *Session, err error)

	// OnStageStart is called before each stage attempt.
	OnStageStart(ctx context.Context, sess *Session, stageName string, ordinal int)

	// OnStageCompleted is called after a stage attempt returns, for both
	// successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, sess *Session, stageName string, ordinal int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnSessionStart(ctx context.Context, sess *Session)                {}
func (NoopObserver) OnSessionCompleted(ctx context.Context, sess *Session)            {}
func (NoopObserver) OnSessionFailed(ctx context.Context, sess *Session, err error)    {}
func (NoopObserver) OnStageStart(ctx context.Context, sess *Session, name string, ordinal int) {
}
func (NoopObserver) OnStageCompleted(ctx context.Context, sess *Session, name string, ordinal int, err error, d time.Duration) {
}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnSessionStart(ctx context.Context, sess *Session) {
	for _, o := range c.observers {
		o.OnSessionStart(ctx, sess)
	}
}

func (c *CompositeObserver) OnSessionCompleted(ctx context.Context, sess *Session) {
	for _, o := range c.observers {
		o.OnSessionCompleted(ctx, sess)
	}
}

func (c *CompositeObserver) OnSessionFailed(ctx context.Context, sess *Session, err error) {
	for _, o := range c.observers {
		o.OnSessionFailed(ctx, sess, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, sess *Session, name string, ordinal int) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, sess, name, ordinal)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, sess *Session, name string, ordinal int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, sess, name, ordinal, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs session / stage lifecycle
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnSessionStart(ctx context.Context, sess *Session) {
	o.Logger.InfoContext(ctx, "pipeline session started",
		slog.String("session", sess.ID),
		slog.String("pipeline", sess.Pipeline),
	)
}

func (o *LoggingObserver) OnSessionCompleted(ctx context.Context, sess *Session) {
	o.Logger.InfoContext(ctx, "pipeline session completed",
		slog.String("session", sess.ID),
		slog.String("pipeline", sess.Pipeline),
		slog.Int("stages", sess.CurrentStage),
		slog.Int64("provider_calls", sess.Usage.ProviderCalls),
		slog.Int64("tokens", sess.Usage.Tokens),
	)
}

func (o *LoggingObserver) OnSessionFailed(ctx context.Context, sess *Session, err error) {
	o.Logger.ErrorContext(ctx, "pipeline session failed",
		slog.String("session", sess.ID),
		slog.String("pipeline", sess.Pipeline),
		slog.Int("at_stage", sess.CurrentStage),
		slog.String("reason", sess.FailReason),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, sess *Session, name string, ordinal int) {
	o.Logger.DebugContext(ctx, "stage started",
		slog.String("session", sess.ID),
		slog.String("stage", name),
		slog.Int("ordinal", ordinal),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, sess *Session, name string, ordinal int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "stage finished",
		slog.String("session", sess.ID),
		slog.String("stage", name),
		slog.Int("ordinal", ordinal),
		slog.Duration("took", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	sessionsStarted    atomic.Int64
	sessionsCompleted  atomic.Int64
	sessionsFailed     atomic.Int64
	stagesCompleted    atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	SessionsStarted   int64
	SessionsCompleted int64
	SessionsFailed    int64
	ActiveSessions    int64

	StagesCompleted  int64
	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnSessionStart(ctx context.Context, sess *Session) {
	m.sessionsStarted.Add(1)
}

func (m *BasicMetrics) OnSessionCompleted(ctx context.Context, sess *Session) {
	m.sessionsCompleted.Add(1)
}

func (m *BasicMetrics) OnSessionFailed(ctx context.Context, sess *Session, err error) {
	m.sessionsFailed.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, sess *Session, name string, ordinal int, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.stagesCompleted.Add(1)
		m.totalStageDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sessionsStarted.Load()
	completed := m.sessionsCompleted.Load()
	failed := m.sessionsFailed.Load()
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		SessionsStarted:   started,
		SessionsCompleted: completed,
		SessionsFailed:    failed,
		ActiveSessions:    started - completed - failed,
		StagesCompleted:   stages,
		AvgStageDuration:  avg,
	}
}
