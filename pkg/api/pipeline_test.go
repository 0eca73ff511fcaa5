package api

import (
	"context"
	"errors"
	"testing"
)

func TestPayloadMatchesKind(t *testing.T) {
	p := Payload{Kind: "draft", Value: "text"}

	if !p.MatchesKind("draft") {
		t.Error("exact kind must match")
	}
	if p.MatchesKind("plan") {
		t.Error("different kind must not match")
	}
	// Empty declaration accepts anything.
	if !p.MatchesKind("") {
		t.Error("empty declared kind must accept any payload")
	}
}

func TestGatePolicyEvaluate(t *testing.T) {
	gate := &GatePolicy{
		Threshold: 0.7,
		Scorer: func(ctx context.Context, out Payload) (float64, error) {
			return out.Value.(float64), nil
		},
	}

	res, err := gate.Evaluate(context.Background(), Payload{Value: 0.8})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Passed || res.Score != 0.8 {
		t.Errorf("got %+v, want passed with score 0.8", res)
	}

	res, err = gate.Evaluate(context.Background(), Payload{Value: 0.5})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Passed {
		t.Error("score below threshold must not pass")
	}

	// Threshold is inclusive.
	res, _ = gate.Evaluate(context.Background(), Payload{Value: 0.7})
	if !res.Passed {
		t.Error("score equal to threshold must pass")
	}
}

func TestGatePolicyEvaluateNoScorer(t *testing.T) {
	gate := &GatePolicy{Threshold: 0.9}
	res, err := gate.Evaluate(context.Background(), Payload{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Passed {
		t.Error("gate without scorer must pass")
	}
}

func TestGatePolicyEvaluateScorerError(t *testing.T) {
	scoreErr := errors.New("judge unavailable")
	gate := &GatePolicy{
		Threshold: 0.7,
		Scorer: func(ctx context.Context, out Payload) (float64, error) {
			return 0, scoreErr
		},
	}
	if _, err := gate.Evaluate(context.Background(), Payload{}); !errors.Is(err, scoreErr) {
		t.Errorf("got %v, want scorer error", err)
	}
}

func TestStageOrdinal(t *testing.T) {
	def := PipelineDefinition{
		Name: "p",
		Stages: []StageDefinition{
			{Name: "plan"},
			{Name: "search"},
			{Name: "write"},
		},
	}
	if got := def.StageOrdinal("search"); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
	if got := def.StageOrdinal("missing"); got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

func TestAttemptsForStage(t *testing.T) {
	sess := &Session{
		Attempts: []StageAttempt{
			{Ordinal: 0, Number: 1},
			{Ordinal: 1, Number: 1},
			{Ordinal: 1, Number: 2},
		},
	}
	if got := len(sess.AttemptsForStage(1)); got != 2 {
		t.Errorf("got %d attempts for stage 1, want 2", got)
	}
	if got := len(sess.AttemptsForStage(5)); got != 0 {
		t.Errorf("got %d attempts for stage 5, want 0", got)
	}
}
