package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestLimiter_Allow(t *testing.T) {
	t.Run("Should admit exactly limit_for_period requests then reject the rest", func(t *testing.T) {
		l := New(config.RateLimitConfig{
			Enabled:            true,
			LimitForPeriod:     5,
			LimitRefreshPeriod: time.Second,
			TimeoutDuration:    0,
		})
		defer l.Close()

		admitted := 0
		for range 10 {
			if err := l.Allow(t.Context(), "stripe", "1.2.3.4"); err == nil {
				admitted++
			}
		}

		assert.Equal(t, 5, admitted)
	})

	t.Run("Should allow everything when disabled", func(t *testing.T) {
		l := New(config.RateLimitConfig{Enabled: false})
		defer l.Close()

		for range 100 {
			assert.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		}
	})

	t.Run("Should track separate buckets per provider", func(t *testing.T) {
		l := New(config.RateLimitConfig{Enabled: true, LimitForPeriod: 1, LimitRefreshPeriod: time.Minute})
		defer l.Close()

		assert.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		assert.NoError(t, l.Allow(t.Context(), "github", "1.2.3.4"))
	})

	t.Run("Should deny a second request from the same ip even for a different provider", func(t *testing.T) {
		l := New(config.RateLimitConfig{Enabled: true, LimitForPeriod: 1, LimitRefreshPeriod: time.Minute})
		defer l.Close()

		assert.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		assert.Error(t, l.Allow(t.Context(), "github", "1.2.3.4"))
	})

	t.Run("Should respect context cancellation while waiting", func(t *testing.T) {
		l := New(config.RateLimitConfig{Enabled: true, LimitForPeriod: 1, LimitRefreshPeriod: time.Minute, TimeoutDuration: time.Minute})
		defer l.Close()

		ctx, cancel := context.WithCancel(t.Context())
		assert.NoError(t, l.Allow(ctx, "stripe", "1.2.3.4"))
		cancel()
		assert.Error(t, l.Allow(ctx, "stripe", "1.2.3.4"))
	})
}
