package retry

import (
	"errors"
	"fmt"
	"time"
)

// recoverableError marks a failure as explicitly safe to retry.
type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }
func (e *recoverableError) Unwrap() error { return e.err }

// Recoverable wraps err so the default predicate will retry it.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &recoverableError{err: err}
}

// IsRecoverable reports whether err (or any error it wraps) was marked with
// Recoverable.
func IsRecoverable(err error) bool {
	var rec *recoverableError
	return errors.As(err, &rec)
}

// statusError carries an HTTP-like status code from a failed outbound call.
type statusError struct {
	err  error
	code int
}

func (e *statusError) Error() string   { return fmt.Sprintf("%s (status %d)", e.err.Error(), e.code) }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

// WithStatus annotates err with a status code so the default predicate can
// classify rate-limit (429) and server-class (5xx) failures as retryable.
func WithStatus(err error, code int) error {
	if err == nil {
		return nil
	}
	return &statusError{err: err, code: code}
}

// StatusCode extracts a status code annotation from err. The second return
// is false when no annotation is present.
func StatusCode(err error) (int, bool) {
	var se *statusError
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

// retryAfterError carries an explicit server-provided retry delay.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter annotates err with a "retry after" hint. When present the
// hint overrides the computed backoff delay. Hinted errors are implicitly
// retryable under the default predicate.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfter extracts a retry-after hint from err. The second return is
// false when no hint is present.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
