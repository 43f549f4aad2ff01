package retry

import (
	"fmt"
	"time"
)

// Classifiable is implemented by errors that know whether they are safe to
// retry, and may carry a server-suggested backoff (e.g. an HTTP 429
// Retry-After). Operations that don't return a Classifiable error are
// treated as retryable by default — see isRetryable.
type Classifiable interface {
	error
	Retryable() bool
}

// SuggestsBackoff is implemented by errors carrying a suggested wait before
// the next attempt (rate-limit responses). When present it is honored
// verbatim instead of the computed exponential backoff.
type SuggestsBackoff interface {
	SuggestedBackoff() (time.Duration, bool)
}

func isRetryable(err error) bool {
	if c, ok := err.(Classifiable); ok {
		return c.Retryable()
	}
	return true
}

func suggestedBackoff(err error) (time.Duration, bool) {
	if s, ok := err.(SuggestsBackoff); ok {
		return s.SuggestedBackoff()
	}
	return 0, false
}

// PermanentError wraps a non-retryable failure.
type PermanentError struct{ Message string }

func (e *PermanentError) Error() string { return e.Message }

// MaxAttemptsExceededError is returned when the operation still failed
// after MaxAttempts retries (MaxAttempts+1 total calls).
type MaxAttemptsExceededError struct{ Attempts int }

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("max attempts exceeded: %d", e.Attempts)
}

// TimeoutError is returned when the total elapsed time reaches
// Config.MaxElapsed before the operation succeeded.
type TimeoutError struct {
	Elapsed   time.Duration
	LastError string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("retry timeout after %s: %s", e.Elapsed, e.LastError)
}

// AbortedError is returned when cancellation was signalled.
type AbortedError struct{}

func (e *AbortedError) Error() string { return "aborted" }
