// Package retry provides a generic retry-with-backoff helper for fallible
// operations against rate-limited or transiently failing collaborators.
//
// Delays grow exponentially from BaseDelay, are capped at MaxDelay, and are
// perturbed by up to ±10% jitter so independent callers do not synchronize
// their retry storms. An explicit retry-after hint on the error (see
// WithRetryAfter) overrides the computed delay.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// jitterFraction is the maximum relative perturbation applied to a computed
// backoff delay.
const jitterFraction = 0.1

// Config controls retry behaviour. The zero value performs a single attempt.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt, so the
	// wrapped function runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Zero means no cap.
	MaxDelay time.Duration

	// RetryOn decides whether a given failure is retryable. When nil,
	// DefaultRetryOn applies.
	RetryOn func(error) bool
}

// DefaultRetryOn retries failures explicitly marked with Recoverable or
// WithRetryAfter, and rate-limit/server-class failures annotated via
// WithStatus (429 or any 5xx).
func DefaultRetryOn(err error) bool {
	if IsRecoverable(err) {
		return true
	}
	if _, ok := RetryAfter(err); ok {
		return true
	}
	if code, ok := StatusCode(err); ok {
		return code == 429 || code >= 500
	}
	return false
}

// Do invokes fn up to cfg.MaxRetries+1 times, sleeping between attempts.
// When retries are exhausted (or the predicate declines a failure) the last
// error is returned unchanged, so callers see the original failure type.
// Context cancellation during a backoff wait aborts with the context error.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	retryOn := cfg.RetryOn
	if retryOn == nil {
		retryOn = DefaultRetryOn
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || !retryOn(err) {
			break
		}

		delay := Delay(cfg, attempt)
		if hint, ok := RetryAfter(err); ok {
			delay = hint
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Run is the result-free variant of Do for operations that only report an
// error.
func Run(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Delay computes the jittered backoff before the retry following the given
// zero-indexed attempt: min(MaxDelay, BaseDelay * 2^attempt) ± 10%.
func Delay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}

	// Perturb by a uniform value in [-10%, +10%].
	jitter := 1 + jitterFraction*(2*rand.Float64()-1) //nolint:gosec // jitter intentionally uses non-crypto rand
	return time.Duration(base * jitter)
}
