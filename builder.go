package stagehand

import (
	"fmt"

	"github.com/varenne/stagehand/pkg/api"
)

// PipelineBuilder provides a fluent API for defining pipelines:
//
//	pipe := stagehand.New("research").
//	    Stage("plan", planStage).
//	    StageWithRetry("search", searchStage, stagehand.Retry(3).Immediate().Policy()).
//	    StageWithGate("write", writeStage, stagehand.Gate(0.7, scoreDraft).Policy())
//
//	if err := pipe.Register(exec); err != nil {
//	    log.Fatal(err)
//	}
//
//	sess, err := stagehand.Run(ctx, exec, pipe.Name(), input)
type PipelineBuilder struct {
	def api.PipelineDefinition
}

// New creates a new pipeline builder with the given name.
func New(name string) *PipelineBuilder {
	return &PipelineBuilder{
		def: api.PipelineDefinition{
			Name:   name,
			Stages: make([]api.StageDefinition, 0),
		},
	}
}

// Name returns the pipeline name.
func (b *PipelineBuilder) Name() string {
	return b.def.Name
}

// SchemaVersion sets the checkpoint schema version. Bump it when payload
// shapes change incompatibly so stale checkpoints are rejected on resume.
func (b *PipelineBuilder) SchemaVersion(v int) *PipelineBuilder {
	b.def.SchemaVersion = v
	return b
}

// Definition returns the underlying PipelineDefinition.
// Typically used when interacting with lower-level APIs.
func (b *PipelineBuilder) Definition() PipelineDefinition {
	return b.def
}

// Stage appends a basic stage to the pipeline.
func (b *PipelineBuilder) Stage(name string, fn StageFunc) *PipelineBuilder {
	return b.AddStage(api.StageDefinition{Name: name, Fn: fn})
}

// StageWithRetry appends a stage that uses the given retry policy.
func (b *PipelineBuilder) StageWithRetry(name string, fn StageFunc, retry RetryPolicy) *PipelineBuilder {
	// Make a copy so callers can mutate their RetryPolicy after the call
	// without affecting the stored definition.
	r := retry
	return b.AddStage(api.StageDefinition{Name: name, Fn: fn, Retry: &r})
}

// StageWithGate appends a stage whose output must pass the given quality
// gate before the pipeline advances.
func (b *PipelineBuilder) StageWithGate(name string, fn StageFunc, gate GatePolicy) *PipelineBuilder {
	g := gate
	return b.AddStage(api.StageDefinition{Name: name, Fn: fn, Gate: &g})
}

// AddStage appends a fully-specified stage. Use it when a stage needs more
// than one of provider, retry, gate, shapes, skip or approval.
func (b *PipelineBuilder) AddStage(stage StageDefinition) *PipelineBuilder {
	if stage.Name == "" {
		panic("stagehand: stage name must not be empty")
	}
	if stage.Fn == nil {
		panic(fmt.Sprintf("stagehand: stage %q has nil function", stage.Name))
	}
	b.def.Stages = append(b.def.Stages, stage)
	return b
}

// Register registers the built pipeline with the given executor.
func (b *PipelineBuilder) Register(exec Executor) error {
	return exec.RegisterPipeline(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *PipelineBuilder) MustRegister(exec Executor) {
	if err := b.Register(exec); err != nil {
		panic(err)
	}
}
