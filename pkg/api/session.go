package api

import (
	"time"
)

// Status represents the lifecycle state of a pipeline session.
type Status string

const (
	// StatusPending is recorded when a session is first persisted, before
	// its run goroutine takes ownership.
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Outcome classifies one execution attempt of a stage.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeTransientFailure Outcome = "TRANSIENT_FAILURE"
	OutcomeGateRejected     Outcome = "GATE_REJECTED"
	OutcomeFatalFailure     Outcome = "FATAL_FAILURE"
	OutcomeSkipped          Outcome = "SKIPPED"
)

// FailReasonCancelled is recorded on a session that was cancelled
// cooperatively rather than failed by a stage.
const FailReasonCancelled = "CANCELLED"

// ResourceUsage accumulates coarse resource counters for a session or a
// single stage attempt. Providers report usage on each response; the
// executor sums it onto the attempt and the session.
type ResourceUsage struct {
	ProviderCalls int64
	Tokens        int64
	Elapsed       time.Duration
}

// Add accumulates other into u.
func (u *ResourceUsage) Add(other ResourceUsage) {
	u.ProviderCalls += other.ProviderCalls
	u.Tokens += other.Tokens
	u.Elapsed += other.Elapsed
}

// StageAttempt records one execution of a stage within a session.
// Attempts are appended to the session history and never mutated afterwards.
type StageAttempt struct {
	// Ordinal is the stage's position in the pipeline definition.
	Ordinal int
	// Stage is the stage name, duplicated for readability of histories.
	Stage string
	// Number is the 1-based attempt counter for this stage within the
	// session, across both transient retries and gate re-invocations.
	Number int
	// Provider is the ID of the provider handed to the stage for this
	// attempt, empty when the stage declares none.
	Provider string

	StartedAt time.Time
	EndedAt   time.Time

	Outcome Outcome

	// Score is the cached quality-gate score for this attempt. It is set
	// exactly once per attempt; the gate never silently recomputes it.
	Score *float64

	// Err holds the error message for failed attempts.
	Err string

	Usage ResourceUsage
}

// Session is one end-to-end pipeline run. It is owned exclusively by the
// executor driving it; everything else reads snapshots from the session store.
type Session struct {
	ID        string
	Pipeline  string
	CreatedAt time.Time
	Status    Status

	// CurrentStage is the ordinal of the stage being (or about to be)
	// executed. After successful completion it equals the stage count.
	CurrentStage int

	// Input is the initial payload the session was started with. It is
	// kept for deterministic replay on resume.
	Input Payload

	// Output is the final stage's payload, set only on COMPLETED.
	Output Payload

	// StageOutputs collects each completed stage's output by ordinal.
	StageOutputs map[int]Payload

	// Attempts is the append-only execution history.
	Attempts []StageAttempt

	Usage ResourceUsage

	// Err is the terminal error for FAILED sessions.
	Err error

	// FailReason distinguishes cancellation from stage failure.
	FailReason string
}

// AttemptsForStage returns the recorded attempts for one stage ordinal.
func (s *Session) AttemptsForStage(ordinal int) []StageAttempt {
	var out []StageAttempt
	for _, a := range s.Attempts {
		if a.Ordinal == ordinal {
			out = append(out, a)
		}
	}
	return out
}

// SessionStatus is the compact query surface for one session.
type SessionStatus struct {
	Status       Status
	CurrentStage int
	LastError    string
}

// SessionListOptions controls how sessions are listed.
// Zero values mean "no filter" for that field.
type SessionListOptions struct {
	// Pipeline, if non-empty, limits results to sessions of the given pipeline.
	Pipeline string

	// Status, if non-empty, limits results to sessions with the given status.
	Status Status
}
