package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/internal/errs"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() config.ResilienceConfig {
	return config.ResilienceConfig{
		TimeoutDuration:           200 * time.Millisecond,
		MaxAttempts:               3,
		InitialDelay:              1 * time.Millisecond,
		MaxDelay:                  10 * time.Millisecond,
		Multiplier:                2.0,
		JitterEnabled:             false,
		SlidingWindowSize:         20,
		MinimumCalls:              10,
		FailureRateThreshold:      50,
		SlowCallRateThreshold:     50,
		SlowCallDurationThreshold: time.Second,
		WaitDurationInOpen:        time.Second,
		PermittedHalfOpenProbes:   5,
	}
}

func TestDecorator_Do(t *testing.T) {
	t.Run("Should return nil when the operation succeeds on the first attempt", func(t *testing.T) {
		d := New(baseConfig())
		var calls int32
		err := d.Do(t.Context(), func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("Should retry a retryable failure up to max_attempts then report retry exhaustion", func(t *testing.T) {
		cfg := baseConfig()
		cfg.MaxAttempts = 3
		d := New(cfg)
		var calls int32
		err := d.Do(t.Context(), func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errs.New(errs.CategoryProcessing, errors.New("boom"))
		})
		require.Error(t, err)
		assert.Equal(t, int32(3), calls)
		assert.ErrorIs(t, err, ErrRetryExhausted)
		assert.Equal(t, errs.CategoryProcessing, errs.CategoryOf(err))
	})

	t.Run("Should not retry a validation failure", func(t *testing.T) {
		d := New(baseConfig())
		var calls int32
		err := d.Do(t.Context(), func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errs.New(errs.CategoryValidation, errors.New("bad request"))
		})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls)
	})

	t.Run("Should report timeout when a single attempt exceeds timeout_duration", func(t *testing.T) {
		cfg := baseConfig()
		cfg.TimeoutDuration = 20 * time.Millisecond
		cfg.MaxAttempts = 1
		d := New(cfg)
		err := d.Do(t.Context(), func(ctx context.Context) error {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeLimitExceeded)
	})

	t.Run("Should give every retry attempt its own timeout budget instead of sharing one across the loop", func(t *testing.T) {
		cfg := baseConfig()
		cfg.TimeoutDuration = 30 * time.Millisecond
		cfg.MaxAttempts = 3
		cfg.InitialDelay = 1 * time.Millisecond
		cfg.MaxDelay = 1 * time.Millisecond
		d := New(cfg)

		var mu sync.Mutex
		var elapsed []time.Duration
		err := d.Do(t.Context(), func(ctx context.Context) error {
			start := time.Now()
			select {
			case <-time.After(80 * time.Millisecond):
			case <-ctx.Done():
			}
			mu.Lock()
			elapsed = append(elapsed, time.Since(start))
			mu.Unlock()
			return ctx.Err()
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeLimitExceeded)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, elapsed, 3)
		for i, e := range elapsed {
			// If the timeout were shared across the whole retry loop (the
			// bug this guards against), the single 30ms deadline would
			// expire during the first attempt's sleep and every later
			// attempt would see an already-canceled context, returning in
			// well under 30ms instead of running its own fresh window.
			assert.GreaterOrEqualf(t, e, 25*time.Millisecond,
				"attempt %d returned in %s, too fast for its own timeout_duration — its deadline looks inherited from a prior attempt", i, e)
		}
	})
}

func TestSpecBackoff_Next(t *testing.T) {
	t.Run("Should grow exponentially and cap at max_delay", func(t *testing.T) {
		cfg := baseConfig()
		cfg.InitialDelay = 10 * time.Millisecond
		cfg.Multiplier = 3
		cfg.MaxDelay = 50 * time.Millisecond
		cfg.JitterEnabled = false
		b := &specBackoff{cfg: cfg}

		first, _ := b.Next()
		second, _ := b.Next()
		third, _ := b.Next()

		assert.Equal(t, 10*time.Millisecond, first)
		assert.Equal(t, 30*time.Millisecond, second)
		assert.Equal(t, 50*time.Millisecond, third) // would be 90ms uncapped
	})
}
