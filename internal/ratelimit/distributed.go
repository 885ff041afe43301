package ratelimit

import (
	"context"
	"fmt"
	"time"

	limiterpkg "github.com/ulule/limiter/v3"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/internal/errs"
	"github.com/hookrelay/hookrelay/pkg/config"
)

// Allower is the contract both Limiter and DistributedLimiter satisfy, so
// callers can hold either behind one interface without caring which
// backend a given deployment selected.
type Allower interface {
	Allow(ctx context.Context, provider, sourceIP string) error
	Close()
}

// DistributedLimiter enforces the same per-provider/per-source-IP pair of
// limits as Limiter, but against a fixed window shared over Redis instead
// of an in-process token bucket. Use it when more than one ingress
// instance is running behind the same endpoint: an in-process bucket
// would let each replica admit its own full quota, defeating the limit.
type DistributedLimiter struct {
	byProvider *limiterpkg.Limiter
	byIP       *limiterpkg.Limiter
	enabled    bool
}

// NewDistributed builds a DistributedLimiter whose windows are tracked in
// client under the "ratelimit" key prefix.
func NewDistributed(cfg config.RateLimitConfig, client redis.UniversalClient) (*DistributedLimiter, error) {
	store, err := redisstore.NewStoreWithOptions(client, limiterpkg.StoreOptions{
		Prefix:   "ratelimit",
		MaxRetry: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: building redis store: %w", err)
	}

	period := cfg.LimitRefreshPeriod
	if period <= 0 {
		period = time.Second
	}
	limit := int64(cfg.LimitForPeriod)
	if limit <= 0 {
		limit = 1
	}
	rate := limiterpkg.Rate{Period: period, Limit: limit}

	return &DistributedLimiter{
		byProvider: limiterpkg.New(store, rate),
		byIP:       limiterpkg.New(store, rate),
		enabled:    cfg.Enabled,
	}, nil
}

// Allow consults the per-provider window first, then the per-source-IP
// window, admitting the request only when neither has been reached.
func (d *DistributedLimiter) Allow(ctx context.Context, provider, sourceIP string) error {
	if !d.enabled {
		return nil
	}

	providerCtx, err := d.byProvider.Get(ctx, "provider:"+provider)
	if err != nil {
		return fmt.Errorf("ratelimit: distributed provider check: %w", err)
	}
	if providerCtx.Reached {
		return errs.Newf(errs.CategoryRateLimited, "provider %q rate limit exceeded", provider)
	}

	ipCtx, err := d.byIP.Get(ctx, "ip:"+sourceIP)
	if err != nil {
		return fmt.Errorf("ratelimit: distributed source-ip check: %w", err)
	}
	if ipCtx.Reached {
		return errs.Newf(errs.CategoryRateLimited, "source ip %q rate limit exceeded", sourceIP)
	}

	return nil
}

// Close is a no-op: DistributedLimiter holds no background goroutine or
// per-instance state, only a handle to a Redis client owned by the caller.
func (d *DistributedLimiter) Close() {}
