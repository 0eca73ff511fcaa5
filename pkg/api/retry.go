package api

import (
	"math"
	"time"
)

// RetryPolicy controls transient-failure retries of a stage and the order
// in which fallback providers are tried.
//
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 0 => retries disabled; the first transient failure is fatal
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff between attempts is exponential: InitialBackoff grows by
// BackoffMultiplier (default 2.0) per attempt, capped at MaxBackoff when
// that is set. InitialBackoff = 0 retries immediately.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// Fallbacks is the ordered list of provider IDs tried after the
	// stage's primary provider: attempt 1 uses the primary, attempt 2 the
	// first fallback, and so on, repeating the last entry once the list
	// is exhausted. Empty means every attempt uses the primary.
	Fallbacks []string
}

// EffectiveMaxAttempts normalizes MaxAttempts to the attempt budget:
// at least one attempt always runs.
func (p RetryPolicy) EffectiveMaxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// NextDelay returns the backoff delay after the given 1-based attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt ended with the given outcome. Only transient failures
// are ever retried.
func (p RetryPolicy) ShouldRetry(attempt int, outcome Outcome) bool {
	return outcome == OutcomeTransientFailure && attempt < p.EffectiveMaxAttempts()
}

// ProviderIDFor returns the provider ID for the given 1-based attempt:
// the primary for attempt 1, then the declared fallbacks in order, repeating
// the last fallback once the list runs out.
func (p RetryPolicy) ProviderIDFor(attempt int, primary string) string {
	if attempt <= 1 || len(p.Fallbacks) == 0 {
		return primary
	}
	idx := attempt - 2
	if idx >= len(p.Fallbacks) {
		idx = len(p.Fallbacks) - 1
	}
	return p.Fallbacks[idx]
}
