package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/pkg/config"
)

func newDistributedTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDistributedLimiter(t *testing.T) {
	t.Run("Should allow requests within the shared window", func(t *testing.T) {
		client := newDistributedTestClient(t)
		cfg := config.RateLimitConfig{Enabled: true, LimitForPeriod: 2, LimitRefreshPeriod: time.Minute}
		l, err := NewDistributed(cfg, client)
		require.NoError(t, err)

		assert.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		assert.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
	})

	t.Run("Should reject once the provider window is exceeded", func(t *testing.T) {
		client := newDistributedTestClient(t)
		cfg := config.RateLimitConfig{Enabled: true, LimitForPeriod: 1, LimitRefreshPeriod: time.Minute}
		l, err := NewDistributed(cfg, client)
		require.NoError(t, err)

		require.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		err = l.Allow(t.Context(), "stripe", "5.6.7.8")
		assert.Error(t, err)
	})

	t.Run("Should reject once the source IP window is exceeded for a distinct provider", func(t *testing.T) {
		client := newDistributedTestClient(t)
		cfg := config.RateLimitConfig{Enabled: true, LimitForPeriod: 1, LimitRefreshPeriod: time.Minute}
		l, err := NewDistributed(cfg, client)
		require.NoError(t, err)

		require.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		err = l.Allow(t.Context(), "github", "1.2.3.4")
		assert.Error(t, err)
	})

	t.Run("Should bypass both windows when disabled", func(t *testing.T) {
		client := newDistributedTestClient(t)
		cfg := config.RateLimitConfig{Enabled: false, LimitForPeriod: 1, LimitRefreshPeriod: time.Minute}
		l, err := NewDistributed(cfg, client)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			assert.NoError(t, l.Allow(t.Context(), "stripe", "1.2.3.4"))
		}
	})

	t.Run("Should be a no-op to close", func(t *testing.T) {
		client := newDistributedTestClient(t)
		l, err := NewDistributed(config.RateLimitConfig{Enabled: true, LimitForPeriod: 1}, client)
		require.NoError(t, err)
		l.Close()
	})
}
