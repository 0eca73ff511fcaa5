package stagehand

// GateBuilder provides a fluent way to construct GatePolicy values
// for use with PipelineBuilder.StageWithGate.
type GateBuilder struct {
	policy GatePolicy
}

// Gate creates a GateBuilder with the given acceptance threshold and scorer.
// Output scoring at or above the threshold passes; below it, the stage is
// re-invoked up to the configured retry budget.
func Gate(threshold float64, scorer ScoreFunc) GateBuilder {
	return GateBuilder{
		policy: GatePolicy{
			Threshold: threshold,
			Scorer:    scorer,
		},
	}
}

// MaxRetries sets how many times a rejected stage is re-invoked.
// Zero (the default) fails the stage on the first rejection.
func (g GateBuilder) MaxRetries(n int) GateBuilder {
	p := g.policy
	if n < 0 {
		n = 0
	}
	p.MaxRetries = n
	return GateBuilder{policy: p}
}

// BranchTo names an earlier stage to transfer control to when gate retries
// are exhausted, instead of failing the session. Checkpoints from the branch
// target onward are invalidated so the rework is re-checkpointed.
func (g GateBuilder) BranchTo(stageName string) GateBuilder {
	p := g.policy
	p.BranchTo = stageName
	return GateBuilder{policy: p}
}

// Policy returns the underlying GatePolicy to be passed to
// PipelineBuilder.StageWithGate.
func (g GateBuilder) Policy() GatePolicy {
	return g.policy
}
