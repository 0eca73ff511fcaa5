// Package stagehand provides an embeddable pipeline orchestration engine
// for Go.
//
// Stagehand drives multi-stage content pipelines — the kind where each stage
// calls an expensive external provider, output quality must pass a gate
// before the next stage runs, and a crash halfway through must not mean
// paying for the completed stages again. It runs fully in-process, supports
// multiple persistence backends, and integrates cleanly into existing
// codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Executor
//  2. PipelineBuilder
//  3. StageFunc and Provider
//  4. Checkpoints
//  5. Quality gates
//
// # Executor
//
// The Executor stores pipeline definitions, persists session state and
// checkpoints, and provides APIs to:
//   - start sessions
//   - resume interrupted sessions from their latest checkpoint
//   - cancel sessions cooperatively
//   - read session state, history and status
//   - subscribe to lifecycle events
//
// Executors can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, plus an event audit log)
//   - Filesystem checkpoints (one file per stage output)
//   - Redis
//
// An executor serves many concurrent sessions; each session runs end-to-end
// on its own goroutine, strictly one stage at a time.
//
// # PipelineBuilder
//
// PipelineBuilder provides the declarative API used to define pipelines as a
// fixed, ordered stage sequence:
//
//	pipe := stagehand.New("research").
//	    Stage("plan", planStage).
//	    StageWithRetry("search", searchStage,
//	        stagehand.Retry(3).WithExponentialBackoff(time.Second, 2.0, time.Minute).
//	            WithFallbacks("search-backup").Policy()).
//	    StageWithGate("write", writeStage,
//	        stagehand.Gate(0.7, scoreDraft).MaxRetries(2).Policy())
//
//	pipe.MustRegister(exec)
//
// # StageFunc and Provider
//
// A StageFunc is the computation of a single stage:
//
//	type StageFunc func(ctx context.Context, provider Provider, in Payload) (Payload, error)
//
// The provider argument is the external capability (model completion, search)
// selected for this attempt; retry policies can route successive attempts to
// fallback providers. Providers self-classify failures as transient or fatal,
// and the executor retries only the transient ones.
//
// # Checkpoints
//
// After each successful stage the executor durably persists the stage's
// output before advancing. Resume loads the latest checkpoint and continues
// from the first stage without one, so completed work is never re-executed.
// A session with zero checkpoints simply restarts from the first stage.
//
// # Quality gates
//
// A stage may declare a gate: a scoring function and a threshold. Output
// scoring below the threshold sends the stage back for another attempt, up
// to a retry budget; an exhausted gate either fails the session or branches
// back to an earlier stage for rework.
//
// For examples, see the package tests.
package stagehand
