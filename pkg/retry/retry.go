package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Status reports retry progress for logging/UI callbacks, emitted before
// each sleep.
type Status struct {
	Attempt     int
	Elapsed     time.Duration
	Sleep       time.Duration
	ResumeAt    time.Time
	Reason      string
	IsRateLimit bool
}

// Operation is a fallible unit of work. Returning a Classifiable error lets
// the engine distinguish retryable from permanent failures; any other error
// is treated as retryable.
type Operation[T any] func() (T, error)

// Do runs operation with blocking sleeps and no cancellation support — the
// synchronous variant used by callers that already hold a blocking lock and
// must not construct a nested async runtime.
func Do[T any](cfg Config, op Operation[T]) (T, error) {
	return DoContext(context.Background(), cfg, op, nil)
}

// DoContext runs operation with exponential backoff, honoring ctx
// cancellation and invoking onStatus (if non-nil) before each sleep.
func DoContext[T any](ctx context.Context, cfg Config, op Operation[T], onStatus func(Status)) (T, error) {
	var zero T
	start := time.Now()
	attempt := 0
	backoff := cfg.InitialBackoff

	for {
		select {
		case <-ctx.Done():
			return zero, &AbortedError{}
		default:
		}

		attempt++
		value, err := op()
		if err == nil {
			return value, nil
		}

		elapsed := time.Since(start)
		if cfg.MaxElapsed > 0 && elapsed >= cfg.MaxElapsed {
			return zero, &TimeoutError{Elapsed: elapsed, LastError: err.Error()}
		}
		if !isRetryable(err) {
			return zero, &PermanentError{Message: err.Error()}
		}
		if attempt > cfg.MaxAttempts {
			return zero, &MaxAttemptsExceededError{Attempts: cfg.MaxAttempts}
		}

		sleep, isRateLimit := nextSleep(cfg, backoff, err)
		if onStatus != nil {
			onStatus(Status{
				Attempt:     attempt,
				Elapsed:     elapsed,
				Sleep:       sleep,
				ResumeAt:    time.Now().Add(sleep),
				Reason:      err.Error(),
				IsRateLimit: isRateLimit,
			})
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortedError{}
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
	}
}

// nextSleep computes the duration to sleep before the next attempt, honoring
// a server-suggested backoff verbatim when the error carries one.
func nextSleep(cfg Config, backoff time.Duration, err error) (time.Duration, bool) {
	if suggested, ok := suggestedBackoff(err); ok {
		return suggested, true
	}
	capped := backoff
	if capped > cfg.MaxBackoff {
		capped = cfg.MaxBackoff
	}
	return applyJitter(capped, cfg.JitterFactor), false
}

func applyJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	// uniform(-factor, +factor)
	delta := (rand.Float64()*2 - 1) * factor
	jittered := time.Duration(float64(d) * (1 + delta))
	if jittered < 0 {
		return 0
	}
	return jittered
}
