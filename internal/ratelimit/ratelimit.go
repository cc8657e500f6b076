// Package ratelimit serializes calls to a rate-limited destination,
// enforcing a minimum spacing between successive executions with strict
// FIFO fairness.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Errors returned by the limiter.
var (
	// ErrInvalidInterval is returned by New for a non-positive interval.
	ErrInvalidInterval = errors.New("rate limiter interval must be positive")

	// ErrCleared rejects calls still queued when Clear is invoked.
	ErrCleared = errors.New("rate limiter queue cleared")
)

// entry is one queued call plus the channel its caller is waiting on.
// Ordering in the queue is strict FIFO.
type entry struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Limiter spaces out successive calls by at least a minimum interval.
// Calls are executed one at a time in submission order by a single drain
// loop; a failure inside one call never stops the drain from processing
// subsequent entries.
type Limiter struct {
	interval time.Duration
	pacer    *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []*entry
	draining bool
	lastCall time.Time
}

// New creates a Limiter enforcing the given minimum interval between calls.
func New(minInterval time.Duration, logger *slog.Logger) (*Limiter, error) {
	if minInterval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, minInterval)
	}
	return &Limiter{
		interval: minInterval,
		pacer:    rate.NewLimiter(rate.Every(minInterval), 1),
		logger:   logger.With("component", "rate_limiter"),
	}, nil
}

// Throttle enqueues fn and blocks until it has executed (returning its
// error) or the entry was rejected. Rejection happens when Clear empties
// the queue (ErrCleared) or the caller's context ends before execution.
func (l *Limiter) Throttle(ctx context.Context, fn func(ctx context.Context) error) error {
	e := &entry{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	l.mu.Lock()
	l.queue = append(l.queue, e)
	if !l.draining {
		l.draining = true
		go l.drain()
	}
	l.mu.Unlock()

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		// The drain loop observes the dead context and skips the entry.
		return ctx.Err()
	}
}

// Throttle runs fn through the limiter and returns its typed result,
// preserving the limiter's ordering and spacing guarantees.
func Throttle[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := l.Throttle(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

// drain pops queued entries in order, waits out the minimum interval, and
// executes them. Exactly one drain runs at a time; it exits once the queue
// is empty.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		// Skip entries whose caller already gave up.
		if err := e.ctx.Err(); err != nil {
			e.done <- err
			continue
		}

		if err := l.pacer.Wait(e.ctx); err != nil {
			e.done <- err
			continue
		}

		l.mu.Lock()
		l.lastCall = time.Now()
		l.mu.Unlock()

		e.done <- e.fn(e.ctx)
	}
}

// Clear rejects every still-queued entry with ErrCleared and empties the
// queue. A call already in flight is not aborted.
func (l *Limiter) Clear() {
	l.mu.Lock()
	cleared := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, e := range cleared {
		e.done <- ErrCleared
	}

	if len(cleared) > 0 {
		l.logger.Debug("cleared rate limiter queue", "rejected", len(cleared))
	}
}

// QueueLength returns the number of calls waiting to execute.
func (l *Limiter) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// TimeUntilNext reports how long until the next call would be allowed to
// execute, for backpressure-aware callers. Zero means immediately.
func (l *Limiter) TimeUntilNext() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastCall.IsZero() {
		return 0
	}
	remaining := l.interval - time.Since(l.lastCall)
	if remaining < 0 {
		return 0
	}
	return remaining
}
