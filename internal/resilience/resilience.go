// Package resilience implements component C7: a ring of three policies
// around the publisher (C6) — circuit breaker (outermost), retry, time
// limiter (innermost) — so a bounded single attempt feeds a retry policy
// whose fully-retried outcome is the only thing the breaker observes.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/hookrelay/hookrelay/internal/errs"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/sethvargo/go-retry"
	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	"github.com/slok/goresilience/timeout"
)

// Sentinel errors distinguishing the three exit paths of §4.7's error
// mapping table; each is wrapped in an errs.CategorizedError so callers can
// recover either the sentinel (for HTTP status) or the category (for DLQ
// rejection records) with errors.Is/errors.As.
var (
	ErrBreakerOpen       = errors.New("resilience: circuit breaker open")
	ErrTimeLimitExceeded = errors.New("resilience: time limit exceeded")
	ErrRetryExhausted    = errors.New("resilience: retry attempts exhausted")
)

// Decorator wraps an operation in the breaker->retry->timeout ring.
type Decorator struct {
	cfg           config.ResilienceConfig
	breakerRunner goresilience.Runner
	timeoutRunner goresilience.Runner

	breakerOpen atomic.Bool
}

// New builds a Decorator from cfg. The breaker and the per-attempt time
// limiter are goresilience middlewares (a genuine dependency of the
// corpus); the retry layer runs between them using sethvargo/go-retry
// with a hand-computed backoff so the exact base/multiplier/cap/jitter
// formula from spec §4.7 is reproduced precisely. The breaker wraps the
// whole retry loop (it only cares about the fully-retried outcome); the
// timeout wraps a single attempt (spec §4.7: "the time limiter must bound
// each single attempt"), so it is applied inside retryLoop's per-attempt
// closure, not around the loop as a whole.
func New(cfg config.ResilienceConfig) *Decorator {
	timeoutMw := timeout.NewMiddleware(timeout.Config{
		Timeout: orDefaultDuration(cfg.TimeoutDuration, 10*time.Second),
	})
	breakerMw := circuitbreaker.NewMiddleware(circuitbreaker.Config{
		ErrorPercentThresholdToOpen:  orDefaultFloat(cfg.FailureRateThreshold, 50),
		MinimumRequestToOpen:         orDefaultInt(cfg.MinimumCalls, 10),
		SuccessfulRequiredOnHalfOpen: orDefaultInt(cfg.PermittedHalfOpenProbes, 5),
		WaitDurationInOpenState:      orDefaultDuration(cfg.WaitDurationInOpen, 30*time.Second),
	})
	return &Decorator{
		cfg:           cfg,
		breakerRunner: goresilience.RunnerChain(breakerMw),
		timeoutRunner: goresilience.RunnerChain(timeoutMw),
	}
}

// Do runs fn through the resilience ring and maps the eventual outcome to
// one of ErrBreakerOpen/ErrTimeLimitExceeded/ErrRetryExhausted.
func (d *Decorator) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := d.breakerRunner.Run(ctx, func(ctx context.Context) error {
		return d.retryLoop(ctx, fn)
	})
	mapped := mapError(err)
	d.breakerOpen.Store(errors.Is(mapped, ErrBreakerOpen))
	return mapped
}

// BreakerOpen reports whether the most recently completed Do call observed
// the circuit breaker open, feeding C14's readiness probe.
func (d *Decorator) BreakerOpen() bool {
	return d.breakerOpen.Load()
}

// retryLoop runs fn through the retry policy, giving every individual
// attempt its own timeoutRunner-bounded deadline rather than sharing one
// deadline across the whole loop. A call whose duration exceeds
// slow_call_duration_threshold is surfaced to the breaker as a failure
// even when fn itself succeeded, per spec §4.7's slow-call-rate trigger,
// and is not itself retried.
func (d *Decorator) retryLoop(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(maxRetriesFor(d.cfg), &specBackoff{cfg: d.cfg})
	return retry.Do(ctx, b, func(ctx context.Context) error {
		start := time.Now()
		err := d.timeoutRunner.Run(ctx, fn)
		if threshold := d.cfg.SlowCallDurationThreshold; threshold > 0 && time.Since(start) > threshold && err == nil {
			return fmt.Errorf("resilience: call exceeded slow_call_duration_threshold")
		}
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func maxRetriesFor(cfg config.ResilienceConfig) uint64 {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return uint64(attempts - 1)
}

// specBackoff implements retry.Backoff with spec §4.7's exact formula:
// base = initial_delay * multiplier^(k-1), capped at max_delay, then
// multiplied by (1 + U(0, jitter_factor)) when jitter is enabled.
type specBackoff struct {
	cfg     config.ResilienceConfig
	attempt int
}

func (s *specBackoff) Next() (time.Duration, bool) {
	s.attempt++
	initial := orDefaultDuration(s.cfg.InitialDelay, 100*time.Millisecond)
	multiplier := s.cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := orDefaultDuration(s.cfg.MaxDelay, 2*time.Second)

	base := float64(initial) * math.Pow(multiplier, float64(s.attempt-1))
	if base > float64(maxDelay) {
		base = float64(maxDelay)
	}
	delay := base
	if s.cfg.JitterEnabled {
		jitterFactor := s.cfg.JitterFactor
		if jitterFactor <= 0 {
			jitterFactor = 0.5
		}
		delay = base * (1 + rand.Float64()*jitterFactor) //nolint:gosec
	}
	return time.Duration(delay), false
}

// isRetryable classifies broker-publish failures per spec §4.7: timeouts,
// connection errors, and generic I/O failures are retryable; anything the
// caller has already categorized as a validation failure (the broker API's
// 4xx-equivalent) is not.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch errs.CategoryOf(err) {
	case errs.CategoryValidation, errs.CategoryUnrecoverable:
		return false
	default:
		return true
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return errs.New(errs.CategoryTimeout, fmt.Errorf("%w: %v", ErrBreakerOpen, err))
	case errors.Is(err, context.DeadlineExceeded):
		return errs.New(errs.CategoryTimeout, fmt.Errorf("%w: %v", ErrTimeLimitExceeded, err))
	default:
		return errs.New(errs.CategoryProcessing, fmt.Errorf("%w: %v", ErrRetryExhausted, err))
	}
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
