package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/varenne/stagehand/internal/persistence"
	"github.com/varenne/stagehand/pkg/api"
)

// branchSignal transfers control to an earlier stage after a gate exhausted
// its retries. It flows out of executeStage as an error so the run loop can
// rewind without a second control path.
type branchSignal struct {
	from   int
	target int
}

func (b *branchSignal) Error() string {
	return fmt.Sprintf("gate branch from stage %d to stage %d", b.from, b.target)
}

// run drives one session from its current position to a terminal state.
// It owns the session record exclusively until it returns.
func (e *executorImpl) run(ctx context.Context, def api.PipelineDefinition, sess *api.Session, state *runState) {
	defer func() {
		e.mu.Lock()
		delete(e.inflight, sess.ID)
		e.mu.Unlock()
		close(state.done)
		state.unsub()
	}()

	current := sess.Input
	for ord := 0; ord < len(def.Stages); ord++ {
		stage := def.Stages[ord]
		sess.CurrentStage = ord
		_ = e.sessions.UpdateSession(sess)

		if state.cancelled.Load() {
			e.failSession(ctx, sess, "", ord, api.ErrCancelled)
			return
		}

		// Completed stages short-circuit from their checkpoint, so a
		// resumed session never re-executes work it already paid for.
		cp, err := e.checkpoints.LoadCheckpoint(ctx, sess.ID, ord)
		switch {
		case err == nil:
			payload, derr := decodeCheckpointPayload(def, cp)
			if derr != nil {
				e.failSession(ctx, sess, stage.Name, ord,
					&api.ResumeError{SessionID: sess.ID, Reason: fmt.Sprintf("checkpoint %d", ord), Err: derr})
				return
			}
			current = payload
			sess.StageOutputs[ord] = payload
			e.publish(ctx, sess, api.Event{Type: api.EventCheckpointRestored, Stage: stage.Name, Ordinal: ord})
			continue
		case !errors.Is(err, persistence.ErrCheckpointNotFound):
			e.failSession(ctx, sess, stage.Name, ord, fmt.Errorf("load checkpoint: %w", err))
			return
		}

		if !current.MatchesKind(stage.InputKind) {
			e.failSession(ctx, sess, stage.Name, ord, &api.FatalStageError{
				Stage:  stage.Name,
				Reason: fmt.Sprintf("input kind %q does not satisfy declared kind %q", current.Kind, stage.InputKind),
			})
			return
		}

		if stage.SkipIf != nil && stage.SkipIf(current) {
			now := time.Now()
			sess.Attempts = append(sess.Attempts, api.StageAttempt{
				Ordinal:   ord,
				Stage:     stage.Name,
				Number:    nextAttemptNumber(sess, ord),
				StartedAt: now,
				EndedAt:   now,
				Outcome:   api.OutcomeSkipped,
			})
			e.publish(ctx, sess, api.Event{Type: api.EventStageSkipped, Stage: stage.Name, Ordinal: ord})

			// The pass-through payload is checkpointed so a later resume
			// skips this stage without re-evaluating the predicate. The
			// checkpoint is marked skipped: its payload carries the input
			// kind, not the stage's declared output kind.
			if err := e.saveCheckpoint(ctx, def, sess, stage, ord, current, true); err != nil {
				e.failSession(ctx, sess, stage.Name, ord, err)
				return
			}
			sess.StageOutputs[ord] = current
			_ = e.sessions.UpdateSession(sess)
			continue
		}

		out, err := e.executeStage(ctx, def, sess, state, stage, ord, current)
		if err != nil {
			var branch *branchSignal
			if errors.As(err, &branch) {
				if err := e.checkpoints.DeleteCheckpointsFrom(ctx, sess.ID, branch.target); err != nil {
					e.failSession(ctx, sess, stage.Name, ord, fmt.Errorf("invalidate checkpoints: %w", err))
					return
				}
				for o := range sess.StageOutputs {
					if o >= branch.target {
						delete(sess.StageOutputs, o)
					}
				}
				if branch.target == 0 {
					current = sess.Input
				} else {
					current = sess.StageOutputs[branch.target-1]
				}
				ord = branch.target - 1
				continue
			}
			e.failSession(ctx, sess, stage.Name, ord, err)
			return
		}

		if err := e.saveCheckpoint(ctx, def, sess, stage, ord, out, false); err != nil {
			e.failSession(ctx, sess, stage.Name, ord, err)
			return
		}
		sess.StageOutputs[ord] = out
		_ = e.sessions.UpdateSession(sess)
		e.publish(ctx, sess, api.Event{Type: api.EventStageCompleted, Stage: stage.Name, Ordinal: ord})
		current = out
	}

	sess.Status = api.StatusCompleted
	sess.CurrentStage = len(def.Stages)
	sess.Output = current
	_ = e.sessions.UpdateSession(sess)
	e.publish(ctx, sess, api.Event{Type: api.EventSessionCompleted, Ordinal: -1})
	e.observer.OnSessionCompleted(ctx, sess)
}

// executeStage runs the gate loop for one stage: invoke (with transient
// retries), score, and either accept, re-invoke, branch, or fail.
func (e *executorImpl) executeStage(ctx context.Context, def api.PipelineDefinition, sess *api.Session, state *runState, stage api.StageDefinition, ord int, input api.Payload) (api.Payload, error) {
	var retry api.RetryPolicy
	if stage.Retry != nil {
		retry = *stage.Retry
	}

	rejections := 0
	for {
		out, err := e.runAttempts(ctx, sess, state, stage, ord, input, retry)
		if err != nil {
			return api.Payload{}, err
		}

		if stage.Gate == nil {
			return out, e.approve(ctx, sess, stage, out)
		}

		result, err := stage.Gate.Evaluate(ctx, out)
		if err != nil {
			return api.Payload{}, &api.FatalStageError{Stage: stage.Name, Reason: "gate scoring failed", Err: err}
		}

		// Cache the score on the attempt that produced the output.
		last := &sess.Attempts[len(sess.Attempts)-1]
		score := result.Score
		last.Score = &score

		if result.Passed {
			_ = e.sessions.UpdateSession(sess)
			return out, e.approve(ctx, sess, stage, out)
		}

		rejections++
		last.Outcome = api.OutcomeGateRejected
		last.Err = fmt.Sprintf("score %.3f below threshold %.3f", score, stage.Gate.Threshold)
		_ = e.sessions.UpdateSession(sess)
		e.publish(ctx, sess, api.Event{
			Type:    api.EventGateRejected,
			Stage:   stage.Name,
			Ordinal: ord,
			Attempt: last.Number,
			Detail:  last.Err,
		})

		if rejections <= stage.Gate.MaxRetries {
			if state.cancelled.Load() {
				return api.Payload{}, api.ErrCancelled
			}
			continue
		}

		if stage.Gate.BranchTo != "" && !state.branched[ord] {
			state.branched[ord] = true
			target := def.StageOrdinal(stage.Gate.BranchTo)
			e.publish(ctx, sess, api.Event{
				Type:    api.EventGateBranched,
				Stage:   stage.Name,
				Ordinal: ord,
				Detail:  fmt.Sprintf("transferring control to %q", stage.Gate.BranchTo),
			})
			return api.Payload{}, &branchSignal{from: ord, target: target}
		}

		return api.Payload{}, &api.GateRejection{
			Stage:     stage.Name,
			Score:     score,
			Threshold: stage.Gate.Threshold,
			Attempts:  rejections,
		}
	}
}

// runAttempts is the transient-retry loop: one stage invocation per attempt,
// fallback providers resolved per the retry policy, exponential backoff
// between attempts.
func (e *executorImpl) runAttempts(ctx context.Context, sess *api.Session, state *runState, stage api.StageDefinition, ord int, input api.Payload, retry api.RetryPolicy) (api.Payload, error) {
	budget := retry.EffectiveMaxAttempts()

	var lastErr error
	for i := 1; i <= budget; i++ {
		if state.cancelled.Load() {
			return api.Payload{}, api.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return api.Payload{}, err
		}

		providerID := retry.ProviderIDFor(i, stage.Provider)
		var provider api.Provider
		if providerID != "" {
			provider = e.providers.Get(providerID)
			if provider == nil {
				return api.Payload{}, &api.FatalStageError{
					Stage:  stage.Name,
					Reason: fmt.Sprintf("unknown provider %q", providerID),
				}
			}
		}

		attempt := api.StageAttempt{
			Ordinal:   ord,
			Stage:     stage.Name,
			Number:    nextAttemptNumber(sess, ord),
			Provider:  providerID,
			StartedAt: time.Now(),
		}
		e.observer.OnStageStart(ctx, sess, stage.Name, ord)
		e.publish(ctx, sess, api.Event{
			Type:    api.EventStageStarted,
			Stage:   stage.Name,
			Ordinal: ord,
			Attempt: attempt.Number,
		})

		var recorder *usageRecorder
		if provider != nil {
			recorder = &usageRecorder{inner: provider}
			provider = recorder
		}

		attemptCtx := api.WithProgress(ctx, func(detail string) {
			e.publish(ctx, sess, api.Event{
				Type:    api.EventStageProgress,
				Stage:   stage.Name,
				Ordinal: ord,
				Attempt: attempt.Number,
				Detail:  detail,
			})
		})

		out, err := stage.Fn(attemptCtx, provider, input)

		attempt.EndedAt = time.Now()
		duration := attempt.EndedAt.Sub(attempt.StartedAt)

		if err == nil && !out.MatchesKind(stage.OutputKind) {
			err = &api.FatalStageError{
				Stage:  stage.Name,
				Reason: fmt.Sprintf("output kind %q does not satisfy declared kind %q", out.Kind, stage.OutputKind),
			}
		}

		attempt.Outcome = api.ClassifyError(err)
		if err != nil {
			attempt.Err = err.Error()
		}
		if recorder != nil {
			attempt.Usage = recorder.total()
		}
		sess.Attempts = append(sess.Attempts, attempt)
		sess.Usage.Add(attempt.Usage)
		_ = e.sessions.UpdateSession(sess)

		e.observer.OnStageCompleted(ctx, sess, stage.Name, ord, err, duration)

		if err == nil {
			return out, nil
		}

		if attempt.Outcome != api.OutcomeTransientFailure {
			var fatal *api.FatalStageError
			if errors.As(err, &fatal) {
				return api.Payload{}, err
			}
			return api.Payload{}, &api.FatalStageError{Stage: stage.Name, Reason: "unrecoverable failure", Err: err}
		}

		lastErr = err
		if !retry.ShouldRetry(i, attempt.Outcome) {
			break
		}

		e.publish(ctx, sess, api.Event{
			Type:    api.EventStageRetrying,
			Stage:   stage.Name,
			Ordinal: ord,
			Attempt: attempt.Number,
			Detail:  err.Error(),
		})

		if delay := retry.NextDelay(i); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return api.Payload{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return api.Payload{}, &api.FatalStageError{
		Stage:  stage.Name,
		Reason: fmt.Sprintf("transient failures exhausted after %d attempt(s)", budget),
		Err:    lastErr,
	}
}

// approve runs the optional human-in-the-loop hook after the gate accepts
// and before the checkpoint is written.
func (e *executorImpl) approve(ctx context.Context, sess *api.Session, stage api.StageDefinition, out api.Payload) error {
	if stage.Approval == nil {
		return nil
	}
	if err := stage.Approval(ctx, sess.ID, out); err != nil {
		return &api.FatalStageError{Stage: stage.Name, Reason: "approval rejected", Err: err}
	}
	return nil
}

// saveCheckpoint persists a completed stage's output and announces it.
func (e *executorImpl) saveCheckpoint(ctx context.Context, def api.PipelineDefinition, sess *api.Session, stage api.StageDefinition, ord int, out api.Payload, skipped bool) error {
	data, err := persistence.EncodeValue(out)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	cp := persistence.Checkpoint{
		SessionID: sess.ID,
		Ordinal:   ord,
		Payload:   data,
		Meta: persistence.CheckpointMeta{
			Stage:         stage.Name,
			PayloadKind:   out.Kind,
			SchemaVersion: def.SchemaVersion,
			CreatedAt:     time.Now(),
			Skipped:       skipped,
		},
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.publish(ctx, sess, api.Event{Type: api.EventCheckpointSaved, Stage: stage.Name, Ordinal: ord})
	return nil
}

// failSession records the terminal failure and emits the closing events.
func (e *executorImpl) failSession(ctx context.Context, sess *api.Session, stageName string, ord int, err error) {
	cancelled := errors.Is(err, api.ErrCancelled) || errors.Is(err, context.Canceled)

	sess.Status = api.StatusFailed
	sess.Err = err
	if cancelled {
		sess.Err = api.ErrCancelled
		sess.FailReason = api.FailReasonCancelled
	}
	_ = e.sessions.UpdateSession(sess)

	if stageName != "" && !cancelled {
		e.publish(ctx, sess, api.Event{
			Type:    api.EventStageFailed,
			Stage:   stageName,
			Ordinal: ord,
			Detail:  sess.Err.Error(),
		})
	}

	eventType := api.EventSessionFailed
	if cancelled {
		eventType = api.EventSessionCancelled
	}
	e.publish(ctx, sess, api.Event{Type: eventType, Ordinal: -1, Detail: sess.Err.Error()})
	e.observer.OnSessionFailed(ctx, sess, sess.Err)
}

// decodeCheckpointPayload decodes and validates a checkpoint against the
// current pipeline definition.
func decodeCheckpointPayload(def api.PipelineDefinition, cp persistence.Checkpoint) (api.Payload, error) {
	if cp.Ordinal < 0 || cp.Ordinal >= len(def.Stages) {
		return api.Payload{}, fmt.Errorf("ordinal %d outside pipeline %q", cp.Ordinal, def.Name)
	}
	version := def.SchemaVersion
	if version <= 0 {
		version = 1
	}
	if cp.Meta.SchemaVersion != version {
		return api.Payload{}, fmt.Errorf("schema version %d does not match pipeline version %d",
			cp.Meta.SchemaVersion, version)
	}
	payload, err := persistence.DecodeValue[api.Payload](cp.Payload)
	if err != nil {
		return api.Payload{}, fmt.Errorf("corrupt payload: %w", err)
	}
	// A skipped stage forwarded its input unchanged, so its checkpoint is
	// validated against the stage's input kind, not its output kind.
	kind := def.Stages[cp.Ordinal].OutputKind
	if cp.Meta.Skipped {
		kind = def.Stages[cp.Ordinal].InputKind
	}
	if !payload.MatchesKind(kind) {
		return api.Payload{}, fmt.Errorf("payload kind %q does not satisfy declared kind %q",
			payload.Kind, kind)
	}
	return payload, nil
}

func nextAttemptNumber(sess *api.Session, ord int) int {
	return len(sess.AttemptsForStage(ord)) + 1
}

// usageRecorder wraps the provider handed to a stage and accumulates
// resource usage across all calls the stage makes, including concurrent
// fan-out.
type usageRecorder struct {
	inner api.Provider

	mu    sync.Mutex
	usage api.ResourceUsage
}

func (r *usageRecorder) ID() string { return r.inner.ID() }

func (r *usageRecorder) Invoke(ctx context.Context, req api.ProviderRequest) (api.ProviderResponse, error) {
	resp, err := r.inner.Invoke(ctx, req)

	r.mu.Lock()
	r.usage.ProviderCalls++
	r.usage.Tokens += resp.Usage.Tokens
	r.usage.Elapsed += resp.Usage.Elapsed
	r.mu.Unlock()

	return resp, err
}

func (r *usageRecorder) total() api.ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}
