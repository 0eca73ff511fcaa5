package api

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned when a session is already owned by an
	// in-flight execution: concurrent Resume of the same session ID must
	// fail fast, never interleave.
	ErrSessionBusy = errors.New("session busy")

	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCancelled is the terminal error of a cooperatively cancelled
	// session.
	ErrCancelled = errors.New("session cancelled")
)

// transientError marks an error as retryable per policy.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as a retryable failure. Providers use it to
// self-classify rate limits, timeouts and other recoverable conditions.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Fatal wraps err to make the non-retryable classification explicit.
// Unwrapped errors are already treated as fatal; Fatal exists so providers
// can state intent at the call site.
func Fatal(err error) error {
	return err
}

// ClassifyError maps an attempt error to its outcome. Nil is success;
// transient-wrapped errors are retryable; everything else is fatal.
func ClassifyError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsTransient(err):
		return OutcomeTransientFailure
	default:
		return OutcomeFatalFailure
	}
}

// FatalStageError is an unrecoverable stage failure: a payload shape
// violation, exhausted transient retries, or an error the provider
// classified as fatal. It is never retried.
type FatalStageError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *FatalStageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %q: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Reason)
}

func (e *FatalStageError) Unwrap() error { return e.Err }

// GateRejection is the terminal error of a stage whose quality gate
// rejected every allowed attempt and no branch target was declared.
type GateRejection struct {
	Stage     string
	Score     float64
	Threshold float64
	Attempts  int
}

func (e *GateRejection) Error() string {
	return fmt.Sprintf("stage %q: gate rejected after %d attempt(s): score %.3f below threshold %.3f",
		e.Stage, e.Attempts, e.Score, e.Threshold)
}

// ResumeError indicates that a session cannot be resumed: the session is
// unknown, a checkpoint is corrupt, or its schema version does not match the
// current pipeline definition. It is always surfaced, never swallowed.
type ResumeError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *ResumeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resume session %q: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("resume session %q: %s", e.SessionID, e.Reason)
}

func (e *ResumeError) Unwrap() error { return e.Err }
