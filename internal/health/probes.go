// Package health implements component C14: liveness, readiness, and the
// broker/KV connectivity checks readiness depends on.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/pkg/logger"
)

// BrokerProbe is a broker adapter's own connectivity self-check
// (natsbroker/kafkabroker/redisbroker's Ping, an equivalent of
// "describe-cluster, counting nodes").
type BrokerProbe interface {
	Ping(ctx context.Context) error
}

// BreakerStateProvider reports whether any circuit breaker this process
// manages is currently open. *ingress.Handler satisfies this.
type BreakerStateProvider interface {
	BreakerOpen() bool
}

type status struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Prober backs the liveness and readiness endpoints; readiness also runs
// the broker and KV connectivity checks.
type Prober struct {
	broker   BrokerProbe
	breakers BreakerStateProvider
	redis    redis.UniversalClient
	timeout  time.Duration
}

// New builds a Prober. broker or breakers may be nil when that
// sub-check doesn't apply to the running role (e.g. a worker process has
// no HTTP-facing circuit breaker of its own).
func New(broker BrokerProbe, breakers BreakerStateProvider, redisClient redis.UniversalClient) *Prober {
	return &Prober{broker: broker, breakers: breakers, redis: redisClient, timeout: 3 * time.Second}
}

// Register mounts /healthz/live, /healthz/ready on r.
func (p *Prober) Register(r gin.IRouter) {
	r.GET("/healthz/live", gin.WrapF(p.Liveness))
	r.GET("/healthz/ready", gin.WrapF(p.Readiness))
}

// Liveness always reports UP: it never touches the broker or KV store, per
// spec §4.14.
func (p *Prober) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, status{Status: "UP"})
}

// Readiness reports DOWN when the circuit breaker is open, or when the
// broker or KV connectivity probe fails.
func (p *Prober) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	if p.breakers != nil && p.breakers.BreakerOpen() {
		writeStatus(w, http.StatusServiceUnavailable, status{Status: "DOWN", Details: "circuit breaker open"})
		return
	}
	if p.broker != nil {
		if err := p.broker.Ping(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, status{Status: "DOWN", Details: "broker: " + err.Error()})
			return
		}
	}
	if p.redis != nil {
		if err := p.kvRoundTrip(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, status{Status: "DOWN", Details: "kv: " + err.Error()})
			return
		}
	}
	writeStatus(w, http.StatusOK, status{Status: "UP"})
}

// kvRoundTrip writes, reads back, and deletes a synthetic key, per spec
// §4.14's KV connectivity probe.
func (p *Prober) kvRoundTrip(ctx context.Context) error {
	key := "healthz:probe:" + uuid.NewString()
	if err := p.redis.Set(ctx, key, "1", time.Minute).Err(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	defer func() {
		if err := p.redis.Del(ctx, key).Err(); err != nil {
			logger.FromContext(ctx).Warn("health: failed to clean up probe key", "key", key, "error", err)
		}
	}()
	val, err := p.redis.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if val != "1" {
		return fmt.Errorf("round-trip mismatch")
	}
	return nil
}

func writeStatus(w http.ResponseWriter, code int, s status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(s); err != nil {
		logger.FromContext(context.Background()).Error("health: failed to encode response", "error", err)
	}
}
