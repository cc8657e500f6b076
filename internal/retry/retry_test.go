package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps test backoffs in the low milliseconds.
func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(3), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptBudget(t *testing.T) {
	// maxRetries = 2 means at most 3 invocations.
	calls := 0
	failure := Recoverable(errors.New("transient"))

	_, err := Do(context.Background(), fastConfig(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, failure
	})

	assert.Equal(t, 3, calls)
	// The last error is returned unchanged, not wrapped.
	assert.Equal(t, failure, err)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Recoverable(errors.New("not yet"))
		}
		return 99, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 99, result)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent failure")

	_, err := Do(context.Background(), fastConfig(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})

	assert.Equal(t, 1, calls, "default predicate must not retry unmarked errors")
	assert.Equal(t, permanent, err)
}

func TestDo_CustomPredicate(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryOn = func(err error) bool {
		return err.Error() == "retry me"
	}

	calls := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("retry me")
		}
		return 0, errors.New("give up")
	})

	assert.Equal(t, 2, calls)
	assert.EqualError(t, err, "give up")
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 3, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, cfg, func(ctx context.Context) (int, error) {
		return 0, Recoverable(errors.New("transient"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must cut the backoff wait short")
}

func TestDo_RetryAfterHintOverridesBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 1, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, WithRetryAfter(errors.New("rate limited"), 5*time.Millisecond)
	})

	assert.Equal(t, 2, calls)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second,
		"the 5ms hint must override the hour-long computed backoff")
}

func TestRun_WrapsDo(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastConfig(1), func(ctx context.Context) error {
		calls++
		return Recoverable(errors.New("transient"))
	})

	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDelay_ExponentialWithinJitterBounds(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour}

	for attempt := 0; attempt < 5; attempt++ {
		expected := float64(cfg.BaseDelay) * float64(int(1)<<attempt)
		for i := 0; i < 50; i++ {
			d := float64(Delay(cfg, attempt))
			assert.GreaterOrEqual(t, d, expected*0.9,
				"attempt %d delay below jitter floor", attempt)
			assert.LessOrEqual(t, d, expected*1.1,
				"attempt %d delay above jitter ceiling", attempt)
		}
	}
}

func TestDelay_CappedAtMaxDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 2 * time.Second}

	// Attempt 10 would be ~17 minutes uncapped.
	d := float64(Delay(cfg, 10))
	assert.LessOrEqual(t, d, float64(cfg.MaxDelay)*1.1)
	assert.GreaterOrEqual(t, d, float64(cfg.MaxDelay)*0.9)
}

func TestDefaultRetryOn(t *testing.T) {
	t.Run("recoverable", func(t *testing.T) {
		assert.True(t, DefaultRetryOn(Recoverable(errors.New("x"))))
	})
	t.Run("retry-after hint", func(t *testing.T) {
		assert.True(t, DefaultRetryOn(WithRetryAfter(errors.New("x"), time.Second)))
	})
	t.Run("rate limit status", func(t *testing.T) {
		assert.True(t, DefaultRetryOn(WithStatus(errors.New("x"), 429)))
	})
	t.Run("server error status", func(t *testing.T) {
		assert.True(t, DefaultRetryOn(WithStatus(errors.New("x"), 503)))
	})
	t.Run("client error status", func(t *testing.T) {
		assert.False(t, DefaultRetryOn(WithStatus(errors.New("x"), 404)))
	})
	t.Run("unmarked", func(t *testing.T) {
		assert.False(t, DefaultRetryOn(errors.New("x")))
	})
	t.Run("wrapped recoverable survives fmt wrapping", func(t *testing.T) {
		wrapped := errors.Join(errors.New("outer"), Recoverable(errors.New("inner")))
		assert.True(t, DefaultRetryOn(wrapped))
	})
}

func TestErrorAnnotations(t *testing.T) {
	base := errors.New("underlying")

	t.Run("recoverable unwraps", func(t *testing.T) {
		err := Recoverable(base)
		assert.ErrorIs(t, err, base)
		assert.Equal(t, base.Error(), err.Error())
	})

	t.Run("status code extraction", func(t *testing.T) {
		code, ok := StatusCode(WithStatus(base, 502))
		assert.True(t, ok)
		assert.Equal(t, 502, code)

		_, ok = StatusCode(base)
		assert.False(t, ok)
	})

	t.Run("retry-after extraction", func(t *testing.T) {
		after, ok := RetryAfter(WithRetryAfter(base, 3*time.Second))
		assert.True(t, ok)
		assert.Equal(t, 3*time.Second, after)
	})

	t.Run("nil passthrough", func(t *testing.T) {
		assert.NoError(t, Recoverable(nil))
		assert.NoError(t, WithStatus(nil, 500))
		assert.NoError(t, WithRetryAfter(nil, time.Second))
	})
}
