package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/varenne/stagehand/internal/persistence"
	"github.com/varenne/stagehand/pkg/api"
)

func newTestExecutor(t *testing.T) (api.Executor, *persistence.InMemoryStore) {
	t.Helper()
	store := persistence.NewInMemoryStore()
	exec, err := New(Config{
		Persistence: persistence.Persistence{Sessions: store, Checkpoints: store},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exec, store
}

// appendStage returns a stage that appends its name to the payload value.
func appendStage(name, outKind string) api.StageFunc {
	return func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		return api.Payload{Kind: outKind, Value: fmt.Sprintf("%v->%s", in.Value, name)}, nil
	}
}

func mustRegister(t *testing.T, exec api.Executor, def api.PipelineDefinition) {
	t.Helper()
	if err := exec.RegisterPipeline(def); err != nil {
		t.Fatalf("RegisterPipeline: %v", err)
	}
}

func waitDone(t *testing.T, handle *api.SessionHandle) (*api.Session, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return handle.Wait(ctx)
}

func TestHappyPathRunsAllStagesInOrder(t *testing.T) {
	exec, store := newTestExecutor(t)
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "research",
		Stages: []api.StageDefinition{
			{Name: "plan", Fn: appendStage("plan", "plan")},
			{Name: "search", Fn: appendStage("search", "sources")},
			{Name: "write", Fn: appendStage("write", "draft")},
		},
	})

	handle, err := exec.Start(context.Background(), "research", api.Payload{Kind: "intent", Value: "go"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess, err := waitDone(t, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if sess.Status != api.StatusCompleted {
		t.Fatalf("got status %s, want COMPLETED", sess.Status)
	}
	if sess.Output.Value != "go->plan->search->write" {
		t.Errorf("got output %v", sess.Output.Value)
	}
	if sess.CurrentStage != 3 {
		t.Errorf("got current stage %d, want 3", sess.CurrentStage)
	}
	if len(sess.Attempts) != 3 {
		t.Errorf("got %d attempts, want 3", len(sess.Attempts))
	}

	// One checkpoint per completed stage.
	ordinals, _ := store.ListCheckpoints(context.Background(), sess.ID)
	if len(ordinals) != 3 {
		t.Errorf("got checkpoints %v, want [0 1 2]", ordinals)
	}
}

func TestEventStreamOrder(t *testing.T) {
	exec, _ := newTestExecutor(t)
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "one", Fn: appendStage("one", "")},
			{Name: "two", Fn: appendStage("two", "")},
		},
	})

	handle, err := exec.Start(context.Background(), "p", api.Payload{Kind: "in"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := waitDone(t, handle); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var types []api.EventType
	for ev := range handle.Events() {
		types = append(types, ev.Type)
	}

	want := []api.EventType{
		api.EventSessionStarted,
		api.EventStageStarted, api.EventCheckpointSaved, api.EventStageCompleted,
		api.EventStageStarted, api.EventCheckpointSaved, api.EventStageCompleted,
		api.EventSessionCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(types), types, len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}
}

func TestTransientRetriesThenSuccess(t *testing.T) {
	exec, store := newTestExecutor(t)

	var calls atomic.Int32
	flaky := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		if calls.Add(1) < 3 {
			return api.Payload{}, api.Transient(errors.New("rate limited"))
		}
		return api.Payload{Kind: "out", Value: "ok"}, nil
	}

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "flaky", Fn: flaky, Retry: &api.RetryPolicy{MaxAttempts: 3}},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{Kind: "in"})
	sess, err := waitDone(t, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if sess.Status != api.StatusCompleted {
		t.Fatalf("got status %s: %v", sess.Status, sess.Err)
	}

	attempts := sess.AttemptsForStage(0)
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	wantOutcomes := []api.Outcome{api.OutcomeTransientFailure, api.OutcomeTransientFailure, api.OutcomeSuccess}
	for i, want := range wantOutcomes {
		if attempts[i].Outcome != want {
			t.Errorf("attempt %d: got %s, want %s", i+1, attempts[i].Outcome, want)
		}
		if attempts[i].Number != i+1 {
			t.Errorf("attempt %d: got number %d", i, attempts[i].Number)
		}
	}

	if _, err := store.LoadCheckpoint(context.Background(), sess.ID, 0); err != nil {
		t.Errorf("checkpoint missing after eventual success: %v", err)
	}
}

func TestTransientExhaustionFailsSession(t *testing.T) {
	exec, _ := newTestExecutor(t)

	alwaysDown := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		return api.Payload{}, api.Transient(errors.New("still down"))
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "down", Fn: alwaysDown, Retry: &api.RetryPolicy{MaxAttempts: 2}},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err == nil {
		t.Fatal("want terminal error")
	}

	var fatal *api.FatalStageError
	if !errors.As(err, &fatal) {
		t.Fatalf("got %T %v, want FatalStageError", err, err)
	}
	if sess.Status != api.StatusFailed {
		t.Errorf("got status %s", sess.Status)
	}
	if got := len(sess.AttemptsForStage(0)); got != 2 {
		t.Errorf("got %d attempts, want the full budget of 2", got)
	}
}

func TestFatalErrorNeverRetried(t *testing.T) {
	exec, _ := newTestExecutor(t)

	var calls atomic.Int32
	broken := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		calls.Add(1)
		return api.Payload{}, errors.New("malformed input")
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "broken", Fn: broken, Retry: &api.RetryPolicy{MaxAttempts: 5}},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err == nil {
		t.Fatal("want terminal error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fatal error retried: %d calls", got)
	}
}

func TestFallbackProviderOnRetry(t *testing.T) {
	exec, _ := newTestExecutor(t)

	primary := api.NewProvider("primary", func(ctx context.Context, req api.ProviderRequest) (api.ProviderResponse, error) {
		return api.ProviderResponse{}, api.Transient(errors.New("primary overloaded"))
	})
	backup := api.NewProvider("backup", func(ctx context.Context, req api.ProviderRequest) (api.ProviderResponse, error) {
		return api.ProviderResponse{Output: "from backup", Usage: api.ResourceUsage{Tokens: 42}}, nil
	})
	if err := exec.RegisterProvider(primary); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if err := exec.RegisterProvider(backup); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}

	call := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		resp, err := provider.Invoke(ctx, api.ProviderRequest{Operation: "complete", Input: in.Value})
		if err != nil {
			return api.Payload{}, err
		}
		return api.Payload{Kind: "out", Value: resp.Output}, nil
	}

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{
				Name:     "call",
				Fn:       call,
				Provider: "primary",
				Retry:    &api.RetryPolicy{MaxAttempts: 2, Fallbacks: []string{"backup"}},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	attempts := sess.AttemptsForStage(0)
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].Provider != "primary" {
		t.Errorf("attempt 1 used %q, want primary", attempts[0].Provider)
	}
	if attempts[1].Provider != "backup" {
		t.Errorf("attempt 2 used %q, want backup", attempts[1].Provider)
	}
	if sess.Output.Value != "from backup" {
		t.Errorf("got output %v", sess.Output.Value)
	}
	if sess.Usage.ProviderCalls != 2 || sess.Usage.Tokens != 42 {
		t.Errorf("got usage %+v", sess.Usage)
	}
}

func TestGateRetriesUntilThresholdMet(t *testing.T) {
	exec, store := newTestExecutor(t)

	var invocations atomic.Int32
	write := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		n := invocations.Add(1)
		return api.Payload{Kind: "draft", Value: fmt.Sprintf("draft-%d", n)}, nil
	}

	scores := []float64{0.5, 0.6, 0.8}
	var scored atomic.Int32
	scorer := func(ctx context.Context, out api.Payload) (float64, error) {
		return scores[scored.Add(1)-1], nil
	}

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{
				Name: "write",
				Fn:   write,
				Gate: &api.GatePolicy{Threshold: 0.7, MaxRetries: 3, Scorer: scorer},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	attempts := sess.AttemptsForStage(0)
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	for i, want := range scores {
		if attempts[i].Score == nil || *attempts[i].Score != want {
			t.Errorf("attempt %d: got score %v, want %v", i+1, attempts[i].Score, want)
		}
	}
	if attempts[0].Outcome != api.OutcomeGateRejected || attempts[2].Outcome != api.OutcomeSuccess {
		t.Errorf("got outcomes %s .. %s", attempts[0].Outcome, attempts[2].Outcome)
	}

	// The checkpoint holds the accepted attempt's output.
	cp, err := store.LoadCheckpoint(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	payload, err := persistence.DecodeValue[api.Payload](cp.Payload)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if payload.Value != "draft-3" {
		t.Errorf("got checkpointed %v, want draft-3", payload.Value)
	}
}

func TestGateZeroRetriesFailsImmediately(t *testing.T) {
	exec, _ := newTestExecutor(t)

	scorer := func(ctx context.Context, out api.Payload) (float64, error) { return 0.2, nil }
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{
				Name: "write",
				Fn:   appendStage("write", "draft"),
				Gate: &api.GatePolicy{Threshold: 0.7, Scorer: scorer},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err == nil {
		t.Fatal("want gate rejection")
	}

	var rejection *api.GateRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("got %T %v, want GateRejection", err, err)
	}
	if rejection.Attempts != 1 || rejection.Score != 0.2 {
		t.Errorf("got %+v", rejection)
	}
	if got := len(sess.AttemptsForStage(0)); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
}

func TestGateBranchTransfersControlBackwards(t *testing.T) {
	exec, _ := newTestExecutor(t)

	var writes atomic.Int32
	write := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		n := writes.Add(1)
		return api.Payload{Kind: "draft", Value: fmt.Sprintf("draft-%d", n)}, nil
	}
	evaluate := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		return api.Payload{Kind: "report", Value: in.Value}, nil
	}

	// First evaluation is poor, rework passes.
	var scored atomic.Int32
	scorer := func(ctx context.Context, out api.Payload) (float64, error) {
		if scored.Add(1) == 1 {
			return 0.3, nil
		}
		return 0.9, nil
	}

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "write", Fn: write},
			{
				Name: "evaluate",
				Fn:   evaluate,
				Gate: &api.GatePolicy{Threshold: 0.7, MaxRetries: 0, BranchTo: "write", Scorer: scorer},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if sess.Status != api.StatusCompleted {
		t.Fatalf("got status %s: %v", sess.Status, sess.Err)
	}
	if got := writes.Load(); got != 2 {
		t.Errorf("write ran %d times, want 2 (original plus rework)", got)
	}
	if sess.Output.Value != "draft-2" {
		t.Errorf("got output %v, want the reworked draft", sess.Output.Value)
	}

	var branched bool
	for ev := range handle.Events() {
		if ev.Type == api.EventGateBranched {
			branched = true
		}
	}
	if !branched {
		t.Error("expected a gate.branched event")
	}
}

func TestGateBranchTakenOnlyOnce(t *testing.T) {
	exec, _ := newTestExecutor(t)

	write := appendStage("write", "draft")
	evaluate := appendStage("evaluate", "report")
	// Never passes: the branch fires once, then the gate fails terminally.
	scorer := func(ctx context.Context, out api.Payload) (float64, error) { return 0.1, nil }

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "write", Fn: write},
			{
				Name: "evaluate",
				Fn:   evaluate,
				Gate: &api.GatePolicy{Threshold: 0.7, BranchTo: "write", Scorer: scorer},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err == nil {
		t.Fatal("want gate rejection after the single branch")
	}
	var rejection *api.GateRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("got %T %v, want GateRejection", err, err)
	}
	// write ran twice, evaluate twice: one branch, no loop.
	if got := len(sess.AttemptsForStage(0)); got != 2 {
		t.Errorf("write ran %d times, want 2", got)
	}
	if got := len(sess.AttemptsForStage(1)); got != 2 {
		t.Errorf("evaluate ran %d times, want 2", got)
	}
}

func TestOutputShapeViolationIsFatal(t *testing.T) {
	exec, store := newTestExecutor(t)

	wrongKind := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		return api.Payload{Kind: "unexpected", Value: 1}, nil
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{
				Name:       "typed",
				Fn:         wrongKind,
				OutputKind: "plan",
				Retry:      &api.RetryPolicy{MaxAttempts: 3},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err == nil {
		t.Fatal("want shape violation error")
	}
	var fatal *api.FatalStageError
	if !errors.As(err, &fatal) {
		t.Fatalf("got %T, want FatalStageError", err)
	}
	// Shape violations are never retried.
	if got := len(sess.AttemptsForStage(0)); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
	if _, err := store.LoadCheckpoint(context.Background(), sess.ID, 0); !errors.Is(err, persistence.ErrCheckpointNotFound) {
		t.Error("no checkpoint may exist for a failed stage")
	}
}

func TestStartRejectsMismatchedInput(t *testing.T) {
	exec, _ := newTestExecutor(t)
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "plan", Fn: appendStage("plan", "plan"), InputKind: "intent"},
		},
	})

	_, err := exec.Start(context.Background(), "p", api.Payload{Kind: "garbage"})
	var fatal *api.FatalStageError
	if !errors.As(err, &fatal) {
		t.Fatalf("got %v, want FatalStageError", err)
	}
}

func TestResumeSkipsCheckpointedStages(t *testing.T) {
	exec, _ := newTestExecutor(t)

	var planRuns, writeRuns atomic.Int32
	var failOnce atomic.Bool
	failOnce.Store(true)

	plan := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		planRuns.Add(1)
		return api.Payload{Kind: "plan", Value: "outline"}, nil
	}
	write := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		writeRuns.Add(1)
		if failOnce.Swap(false) {
			return api.Payload{}, errors.New("provider exploded")
		}
		return api.Payload{Kind: "draft", Value: "done"}, nil
	}

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "plan", Fn: plan},
			{Name: "write", Fn: write},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err == nil {
		t.Fatal("first run should fail at write")
	}

	resumed, err := exec.Resume(context.Background(), handle.ID())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	sess, err := waitDone(t, resumed)
	if err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}

	if sess.Status != api.StatusCompleted {
		t.Fatalf("got status %s: %v", sess.Status, sess.Err)
	}
	if got := planRuns.Load(); got != 1 {
		t.Errorf("plan ran %d times; a checkpointed stage must not re-execute", got)
	}
	if got := writeRuns.Load(); got != 2 {
		t.Errorf("write ran %d times, want 2", got)
	}

	// The resumed stream reports the restore.
	var restored bool
	for ev := range resumed.Events() {
		if ev.Type == api.EventCheckpointRestored && ev.Ordinal == 0 {
			restored = true
		}
	}
	if !restored {
		t.Error("expected a checkpoint.restored event for stage 0")
	}
}

func TestResumeIsIdempotentAfterCompletion(t *testing.T) {
	exec, _ := newTestExecutor(t)
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "one", Fn: appendStage("one", "")}},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	_, err := exec.Resume(context.Background(), handle.ID())
	var resumeErr *api.ResumeError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("got %v, want ResumeError for completed session", err)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	exec, _ := newTestExecutor(t)
	_, err := exec.Resume(context.Background(), "no-such-session")
	var resumeErr *api.ResumeError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("got %v, want ResumeError", err)
	}
	if !errors.Is(err, api.ErrSessionNotFound) {
		t.Error("ResumeError must wrap ErrSessionNotFound")
	}
}

func TestResumeRunningSessionIsBusy(t *testing.T) {
	exec, _ := newTestExecutor(t)

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		close(started)
		<-release
		return api.Payload{Kind: "out"}, nil
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "block", Fn: blocking}},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	<-started

	if _, err := exec.Resume(context.Background(), handle.ID()); !errors.Is(err, api.ErrSessionBusy) {
		t.Errorf("got %v, want ErrSessionBusy", err)
	}
	if err := exec.DeleteSession(context.Background(), handle.ID()); !errors.Is(err, api.ErrSessionBusy) {
		t.Errorf("DeleteSession: got %v, want ErrSessionBusy", err)
	}

	close(release)
	if _, err := waitDone(t, handle); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestResumeSchemaVersionMismatch(t *testing.T) {
	store := persistence.NewInMemoryStore()
	shared := persistence.Persistence{Sessions: store, Checkpoints: store}

	execV1, err := New(Config{Persistence: shared})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var failSecond atomic.Bool
	failSecond.Store(true)
	stages := []api.StageDefinition{
		{Name: "plan", Fn: appendStage("plan", "")},
		{Name: "write", Fn: func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
			if failSecond.Load() {
				return api.Payload{}, errors.New("boom")
			}
			return api.Payload{Kind: "draft"}, nil
		}},
	}
	mustRegister(t, execV1, api.PipelineDefinition{Name: "p", SchemaVersion: 1, Stages: stages})

	handle, _ := execV1.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err == nil {
		t.Fatal("first run should fail")
	}

	// A new process comes up with an incompatible payload schema.
	execV2, err := New(Config{Persistence: shared})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustRegister(t, execV2, api.PipelineDefinition{Name: "p", SchemaVersion: 2, Stages: stages})

	_, err = execV2.Resume(context.Background(), handle.ID())
	var resumeErr *api.ResumeError
	if !errors.As(err, &resumeErr) {
		t.Fatalf("got %v, want ResumeError for schema mismatch", err)
	}
}

func TestResumeWithZeroCheckpointsRestarts(t *testing.T) {
	exec, store := newTestExecutor(t)

	var fail atomic.Bool
	fail.Store(true)
	first := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		if fail.Swap(false) {
			return api.Payload{}, errors.New("nothing persisted yet")
		}
		return api.Payload{Kind: "out", Value: "recovered"}, nil
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "first", Fn: first}},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err == nil {
		t.Fatal("first run should fail before any checkpoint")
	}

	ordinals, _ := store.ListCheckpoints(context.Background(), handle.ID())
	if len(ordinals) != 0 {
		t.Fatalf("precondition: got checkpoints %v, want none", ordinals)
	}

	resumed, err := exec.Resume(context.Background(), handle.ID())
	if err != nil {
		t.Fatalf("Resume with zero checkpoints must restart, got %v", err)
	}
	sess, err := waitDone(t, resumed)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sess.Output.Value != "recovered" {
		t.Errorf("got output %v", sess.Output.Value)
	}
}

func TestCancelStopsAfterInFlightStage(t *testing.T) {
	exec, store := newTestExecutor(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var thirdRan atomic.Bool

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "one", Fn: appendStage("one", "")},
			{Name: "two", Fn: func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
				close(started)
				<-release
				return api.Payload{Kind: "out", Value: "two done"}, nil
			}},
			{Name: "three", Fn: func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
				thirdRan.Store(true)
				return in, nil
			}},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	<-started

	if err := exec.Cancel(handle.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	sess, err := waitDone(t, handle)
	if !errors.Is(err, api.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if sess.Status != api.StatusFailed || sess.FailReason != api.FailReasonCancelled {
		t.Errorf("got status %s reason %q", sess.Status, sess.FailReason)
	}
	if thirdRan.Load() {
		t.Error("stage three must not start after cancellation")
	}

	// The in-flight stage finished on its own terms and was checkpointed.
	if _, err := store.LoadCheckpoint(context.Background(), sess.ID, 1); err != nil {
		t.Errorf("stage two checkpoint: %v", err)
	}
	if _, err := store.LoadCheckpoint(context.Background(), sess.ID, 2); !errors.Is(err, persistence.ErrCheckpointNotFound) {
		t.Error("stage three must not have a checkpoint")
	}
}

func TestCancelNotRunning(t *testing.T) {
	exec, _ := newTestExecutor(t)
	if err := exec.Cancel("nope"); err == nil {
		t.Error("cancelling an unknown session must error")
	}
}

func TestSkipPredicateForwardsInput(t *testing.T) {
	exec, store := newTestExecutor(t)

	var secondRan atomic.Bool
	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{Name: "one", Fn: appendStage("one", "")},
			{
				Name: "optional",
				Fn: func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
					secondRan.Store(true)
					return in, nil
				},
				SkipIf: func(in api.Payload) bool { return true },
			},
			{Name: "three", Fn: appendStage("three", "")},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{Value: "x"})
	sess, err := waitDone(t, handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if secondRan.Load() {
		t.Error("skipped stage must not execute")
	}
	if sess.Output.Value != "x->one->three" {
		t.Errorf("got output %v", sess.Output.Value)
	}

	attempts := sess.AttemptsForStage(1)
	if len(attempts) != 1 || attempts[0].Outcome != api.OutcomeSkipped {
		t.Errorf("got attempts %+v, want one SKIPPED", attempts)
	}

	// Pass-through payload is checkpointed for resume.
	if _, err := store.LoadCheckpoint(context.Background(), sess.ID, 1); err != nil {
		t.Errorf("skipped stage checkpoint: %v", err)
	}
}

func TestResumeRestoresSkippedStageWithDeclaredOutputKind(t *testing.T) {
	exec, _ := newTestExecutor(t)

	var skipChecks atomic.Int32
	var failOnce atomic.Bool
	failOnce.Store(true)

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{
				Name:       "optional",
				Fn:         appendStage("optional", "special"),
				InputKind:  "intent",
				OutputKind: "special",
				SkipIf: func(in api.Payload) bool {
					skipChecks.Add(1)
					return true
				},
			},
			{Name: "write", Fn: func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
				if failOnce.Swap(false) {
					return api.Payload{}, errors.New("interrupted")
				}
				return api.Payload{Kind: "draft", Value: "done"}, nil
			}},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{Kind: "intent", Value: "x"})
	if _, err := waitDone(t, handle); err == nil {
		t.Fatal("first run should fail at write")
	}

	// The skipped stage checkpointed its pass-through payload, whose kind is
	// the stage's input kind rather than its declared output kind. Resume
	// must accept it.
	resumed, err := exec.Resume(context.Background(), handle.ID())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	sess, err := waitDone(t, resumed)
	if err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
	if sess.Status != api.StatusCompleted {
		t.Fatalf("got status %s: %v", sess.Status, sess.Err)
	}
	if got := skipChecks.Load(); got != 1 {
		t.Errorf("skip predicate evaluated %d times; resume must restore the checkpoint instead", got)
	}
}

func TestStageProgressEvents(t *testing.T) {
	exec, _ := newTestExecutor(t)

	slow := func(ctx context.Context, provider api.Provider, in api.Payload) (api.Payload, error) {
		api.ReportProgress(ctx, "fetching")
		api.ReportProgress(ctx, "parsing")
		return api.Payload{Kind: "out", Value: "done"}, nil
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "slow", Fn: slow}},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var details []string
	for ev := range handle.Events() {
		if ev.Type == api.EventStageProgress {
			if ev.Stage != "slow" || ev.Attempt != 1 {
				t.Errorf("got progress event %+v", ev)
			}
			details = append(details, ev.Detail)
		}
	}
	if len(details) != 2 || details[0] != "fetching" || details[1] != "parsing" {
		t.Errorf("got progress details %v, want [fetching parsing]", details)
	}
}

// statusTrackingStore records every status the executor persists.
type statusTrackingStore struct {
	*persistence.InMemoryStore

	mu       sync.Mutex
	statuses []api.Status
}

func (s *statusTrackingStore) record(status api.Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func (s *statusTrackingStore) SaveSession(sess *api.Session) error {
	s.record(sess.Status)
	return s.InMemoryStore.SaveSession(sess)
}

func (s *statusTrackingStore) UpdateSession(sess *api.Session) error {
	s.record(sess.Status)
	return s.InMemoryStore.UpdateSession(sess)
}

func TestStartPersistsPendingBeforeRunning(t *testing.T) {
	store := persistence.NewInMemoryStore()
	rec := &statusTrackingStore{InMemoryStore: store}
	exec, err := New(Config{
		Persistence: persistence.Persistence{Sessions: rec, Checkpoints: store},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "one", Fn: appendStage("one", "")}},
	})

	handle, err := exec.Start(context.Background(), "p", api.Payload{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := waitDone(t, handle); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec.mu.Lock()
	statuses := append([]api.Status(nil), rec.statuses...)
	rec.mu.Unlock()

	if len(statuses) < 3 {
		t.Fatalf("got statuses %v", statuses)
	}
	if statuses[0] != api.StatusPending {
		t.Errorf("first persisted status %s, want PENDING", statuses[0])
	}
	if statuses[1] != api.StatusRunning {
		t.Errorf("second persisted status %s, want RUNNING", statuses[1])
	}
	if last := statuses[len(statuses)-1]; last != api.StatusCompleted {
		t.Errorf("last persisted status %s, want COMPLETED", last)
	}
}

func TestRecoverStalledSessions(t *testing.T) {
	exec, store := newTestExecutor(t)
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "one", Fn: appendStage("one", "")}},
	})

	// A session persisted as RUNNING with no live owner, e.g. after a crash.
	zombie := &api.Session{
		ID:           "zombie",
		Pipeline:     "p",
		Status:       api.StatusRunning,
		CreatedAt:    time.Now(),
		StageOutputs: map[int]api.Payload{},
	}
	if err := store.SaveSession(zombie); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	count, err := exec.RecoverStalledSessions(context.Background())
	if err != nil {
		t.Fatalf("RecoverStalledSessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d recovered, want 1", count)
	}

	status, err := exec.GetStatus(context.Background(), "zombie")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != api.StatusFailed {
		t.Errorf("got status %s, want FAILED", status.Status)
	}

	// Recovered sessions are resumable.
	resumed, err := exec.Resume(context.Background(), "zombie")
	if err != nil {
		t.Fatalf("Resume after recovery: %v", err)
	}
	if _, err := waitDone(t, resumed); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	exec, store := newTestExecutor(t)
	mustRegister(t, exec, api.PipelineDefinition{
		Name:   "p",
		Stages: []api.StageDefinition{{Name: "one", Fn: appendStage("one", "")}},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	if _, err := waitDone(t, handle); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := exec.DeleteSession(context.Background(), handle.ID()); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := exec.GetSession(context.Background(), handle.ID()); !errors.Is(err, api.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
	ordinals, _ := store.ListCheckpoints(context.Background(), handle.ID())
	if len(ordinals) != 0 {
		t.Errorf("got checkpoints %v after delete", ordinals)
	}
}

func TestRegisterPipelineValidation(t *testing.T) {
	exec, _ := newTestExecutor(t)
	fn := appendStage("x", "")

	cases := []struct {
		name string
		def  api.PipelineDefinition
	}{
		{"empty name", api.PipelineDefinition{Stages: []api.StageDefinition{{Name: "a", Fn: fn}}}},
		{"no stages", api.PipelineDefinition{Name: "p"}},
		{"nil fn", api.PipelineDefinition{Name: "p", Stages: []api.StageDefinition{{Name: "a"}}}},
		{"duplicate stage", api.PipelineDefinition{Name: "p", Stages: []api.StageDefinition{
			{Name: "a", Fn: fn}, {Name: "a", Fn: fn},
		}}},
		{"forward branch", api.PipelineDefinition{Name: "p", Stages: []api.StageDefinition{
			{Name: "a", Fn: fn, Gate: &api.GatePolicy{BranchTo: "b"}},
			{Name: "b", Fn: fn},
		}}},
	}
	for _, tc := range cases {
		if err := exec.RegisterPipeline(tc.def); err == nil {
			t.Errorf("%s: registration must fail", tc.name)
		}
	}

	valid := api.PipelineDefinition{Name: "ok", Stages: []api.StageDefinition{{Name: "a", Fn: fn}}}
	if err := exec.RegisterPipeline(valid); err != nil {
		t.Errorf("valid pipeline rejected: %v", err)
	}
	if err := exec.RegisterPipeline(valid); err == nil {
		t.Error("duplicate pipeline name must be rejected")
	}
}

func TestStartUnknownPipeline(t *testing.T) {
	exec, _ := newTestExecutor(t)
	if _, err := exec.Start(context.Background(), "missing", api.Payload{}); err == nil {
		t.Error("starting an unknown pipeline must error")
	}
}

func TestApprovalHookRejectionFailsStage(t *testing.T) {
	exec, store := newTestExecutor(t)

	mustRegister(t, exec, api.PipelineDefinition{
		Name: "p",
		Stages: []api.StageDefinition{
			{
				Name: "write",
				Fn:   appendStage("write", "draft"),
				Approval: func(ctx context.Context, sessionID string, out api.Payload) error {
					return errors.New("editor said no")
				},
			},
		},
	})

	handle, _ := exec.Start(context.Background(), "p", api.Payload{})
	sess, err := waitDone(t, handle)
	if err == nil {
		t.Fatal("want approval failure")
	}
	var fatal *api.FatalStageError
	if !errors.As(err, &fatal) {
		t.Fatalf("got %T, want FatalStageError", err)
	}
	// Rejected output is never checkpointed.
	if _, err := store.LoadCheckpoint(context.Background(), sess.ID, 0); !errors.Is(err, persistence.ErrCheckpointNotFound) {
		t.Error("rejected output must not be checkpointed")
	}
}
