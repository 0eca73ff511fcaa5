package api

import (
	"context"
	"encoding/gob"
)

func init() {
	gob.Register(Payload{})
	gob.Register(map[int]Payload{})
}

// Payload is the tagged value passed between stages. Kind identifies one
// variant of the pipeline's closed payload set (e.g. "intent", "plan",
// "draft"); Value holds the stage-specific data.
//
// Kinds are validated at stage boundaries against the declared input/output
// shapes. Values that cross a persistence boundary must be gob-encodable;
// register custom types with encoding/gob.
type Payload struct {
	Kind  string
	Value any
}

// MatchesKind reports whether the payload satisfies the declared kind.
// An empty declaration accepts any payload.
func (p Payload) MatchesKind(kind string) bool {
	return kind == "" || p.Kind == kind
}

// StageFunc is the computation of a single stage. The provider argument is
// the capability provider selected for this attempt by the stage's retry
// policy; it is nil when the stage declares no provider. A stage may fan out
// its own concurrent provider calls, but it is atomic from the executor's
// viewpoint: the executor waits for the function to return before advancing.
type StageFunc func(ctx context.Context, provider Provider, in Payload) (Payload, error)

// ScoreFunc scores a stage's output for quality-gate evaluation. Scoring is
// supplied by the stage (it may itself call a provider); the gate only
// compares the result against the policy threshold.
type ScoreFunc func(ctx context.Context, out Payload) (float64, error)

// ApprovalFunc is an optional human-in-the-loop hook invoked after a stage's
// output passes its gate and before the checkpoint is written. Returning an
// error fails the stage fatally. The full approval flow lives outside the
// engine; this is only the suspension point.
type ApprovalFunc func(ctx context.Context, sessionID string, out Payload) error

// SkipFunc decides whether a stage should be skipped for the given input.
type SkipFunc func(in Payload) bool

// GateResult is the outcome of one quality-gate evaluation.
type GateResult struct {
	Score  float64
	Passed bool
}

// GatePolicy is a threshold-based acceptance test on a stage's output.
//
// On rejection the stage is re-invoked with the same input, each
// re-invocation a new StageAttempt, up to MaxRetries times. MaxRetries = 0
// means a first-attempt rejection fails the stage immediately. When retries
// are exhausted the stage fails fatally unless BranchTo names a declared
// branch target, in which case control transfers there instead of halting.
type GatePolicy struct {
	Threshold  float64
	MaxRetries int

	// BranchTo optionally names an earlier stage to transfer control to
	// when gate retries are exhausted.
	BranchTo string

	Scorer ScoreFunc
}

// Evaluate scores out once and compares against the threshold. Given the
// same output and policy the comparison is deterministic; a non-deterministic
// scorer is called exactly once per attempt and its result cached by the
// executor on the StageAttempt.
func (g *GatePolicy) Evaluate(ctx context.Context, out Payload) (GateResult, error) {
	if g.Scorer == nil {
		return GateResult{Score: 1, Passed: true}, nil
	}
	score, err := g.Scorer(ctx, out)
	if err != nil {
		return GateResult{}, err
	}
	return GateResult{Score: score, Passed: score >= g.Threshold}, nil
}

// StageDefinition describes a named stage. Definitions are registered once
// at build time and read-only thereafter.
type StageDefinition struct {
	Name string
	Fn   StageFunc

	// Retry controls transient-failure retries and fallback providers.
	// Nil means a single attempt with no fallbacks.
	Retry *RetryPolicy

	// Gate optionally configures quality-gated acceptance of the output.
	Gate *GatePolicy

	// Provider is the ID of the primary capability provider for this
	// stage, resolved against the executor's provider registry. Empty
	// means the stage runs without one.
	Provider string

	// InputKind and OutputKind declare the stage's payload shapes.
	// Empty accepts/produces any kind. A shape violation is always a
	// fatal failure, never retried.
	InputKind  string
	OutputKind string

	// SkipIf optionally skips the stage, forwarding its input unchanged.
	SkipIf SkipFunc

	// Approval is the optional human-in-the-loop hook.
	Approval ApprovalFunc
}

// PipelineDefinition describes a pipeline as a fixed, ordered stage sequence.
type PipelineDefinition struct {
	Name string

	// SchemaVersion is stamped into checkpoint metadata. Bump it when
	// payload shapes change incompatibly; resuming a session whose
	// checkpoints carry a different version fails with a ResumeError.
	SchemaVersion int

	Stages []StageDefinition
}

// StageOrdinal returns the ordinal of the named stage, or -1.
func (d PipelineDefinition) StageOrdinal(name string) int {
	for i, s := range d.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}
