// Package ratelimit implements component C2: two independent token
// buckets, one per provider and one per source IP, applied in sequence.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/internal/errs"
	"github.com/hookrelay/hookrelay/pkg/config"
	"golang.org/x/time/rate"
)

// entry pairs a token bucket with the time it was last touched, so idle
// buckets can be reclaimed.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// bucket is a keyed set of token buckets sharing one configuration.
type bucket struct {
	mu       sync.Mutex
	entries  map[string]*entry
	cfg      config.RateLimitConfig
}

func newBucket(cfg config.RateLimitConfig) *bucket {
	return &bucket{entries: make(map[string]*entry), cfg: cfg}
}

func (b *bucket) get(key string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		period := b.cfg.LimitRefreshPeriod
		if period <= 0 {
			period = time.Second
		}
		perSecond := float64(b.cfg.LimitForPeriod) / period.Seconds()
		e = &entry{limiter: rate.NewLimiter(rate.Limit(perSecond), b.cfg.LimitForPeriod)}
		b.entries[key] = e
	}
	e.lastAccess = time.Now()
	return e.limiter
}

func (b *bucket) evictIdle(maxIdle time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for key, e := range b.entries {
		if now.Sub(e.lastAccess) > maxIdle {
			delete(b.entries, key)
		}
	}
}

// Limiter applies per-provider and per-source-IP rate limiting in
// sequence: a request consumes a permit only if both buckets grant it.
type Limiter struct {
	byProvider *bucket
	byIP       *bucket
	enabled    bool
	done       chan struct{}
}

// New builds a Limiter from cfg and starts a background goroutine that
// reclaims idle per-key buckets every 10 minutes.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		byProvider: newBucket(cfg),
		byIP:       newBucket(cfg),
		enabled:    cfg.Enabled,
		done:       make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.byProvider.evictIdle(time.Hour)
			l.byIP.evictIdle(time.Hour)
		}
	}
}

// Close stops the eviction goroutine.
func (l *Limiter) Close() { close(l.done) }

// Allow blocks up to the configured timeout_duration waiting for a permit
// from both the provider and source-IP buckets. A permit is consumed only
// if both buckets grant it: if the provider bucket reserves a token but
// the IP bucket denies, the provider reservation is canceled.
func (l *Limiter) Allow(ctx context.Context, provider, sourceIP string) error {
	if !l.enabled {
		return nil
	}
	timeout := l.byProvider.cfg.TimeoutDuration
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	now := time.Now()
	providerLimiter := l.byProvider.get(provider)
	providerRes := providerLimiter.ReserveN(now, 1)
	if !providerRes.OK() || providerRes.DelayFrom(now) > timeout {
		providerRes.CancelAt(now)
		return errs.Newf(errs.CategoryRateLimited, "provider %q rate limit exceeded", provider)
	}

	ipLimiter := l.byIP.get(sourceIP)
	ipRes := ipLimiter.ReserveN(now, 1)
	if !ipRes.OK() || ipRes.DelayFrom(now) > timeout {
		ipRes.CancelAt(now)
		providerRes.CancelAt(now)
		return errs.Newf(errs.CategoryRateLimited, "source ip %q rate limit exceeded", sourceIP)
	}

	delay := providerRes.DelayFrom(now)
	if ipDelay := ipRes.DelayFrom(now); ipDelay > delay {
		delay = ipDelay
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		providerRes.CancelAt(time.Now())
		ipRes.CancelAt(time.Now())
		return errs.Newf(errs.CategoryRateLimited, "rate limit wait canceled")
	}
}
