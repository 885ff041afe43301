package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/internal/idempotency"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/webhook"
	"github.com/hookrelay/hookrelay/pkg/config"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []broker.Message
}

func (p *recordingPublisher) Publish(_ context.Context, destination string, payload []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, broker.Message{Destination: destination, Payload: payload, Headers: headers})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) all() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.calls...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Compression.MinSize = 1 << 20 // keep small test payloads uncompressed
	cfg.Batching.Enabled = false      // publish directly so assertions see it immediately
	cfg.Resilience.TimeoutDuration = time.Second
	cfg.Resilience.MaxAttempts = 1
	cfg.RateLimit.LimitForPeriod = 1000
	cfg.Providers = map[string]config.ProviderOverride{}
	return cfg
}

func newTestHandler(t *testing.T, cfg *config.Config) (*Handler, *recordingPublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := idempotency.New(client, cfg.Idempotency.LockDuration, cfg.Idempotency.ProcessedTTL, cfg.Idempotency.HTTPKeyTTL)
	reg, err := metrics.New(config.MetricsConfig{Enabled: false})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	h := New(cfg, pub, store, reg)
	t.Cleanup(func() { _ = h.Close(t.Context()) })
	return h, pub
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	return r
}

func TestHandler_Handle(t *testing.T) {
	t.Run("Should accept a valid webhook and publish it", func(t *testing.T) {
		cfg := testConfig()
		h, pub := newTestHandler(t, cfg)
		r := newTestRouter(h)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", strings.NewReader(`{"id":"evt_1"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code)

		var ack webhook.Ack
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, webhook.AckAccepted, ack.Status)
		assert.Equal(t, "stripe", ack.ProviderName)
		assert.NotEmpty(t, ack.EventID)
		assert.JSONEq(t, `{"id":"evt_1"}`, string(ack.ReceivedPayload))

		calls := pub.all()
		require.Len(t, calls, 1)
		assert.Equal(t, "webhooks.stripe", calls[0].Destination)
		assert.Equal(t, "stripe", calls[0].Headers["provider"])
	})

	t.Run("Should reject a request for an invalid provider name with 400", func(t *testing.T) {
		cfg := testConfig()
		h, pub := newTestHandler(t, cfg)
		r := newTestRouter(h)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/Not_Valid!", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var ack webhook.Ack
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, webhook.AckRejected, ack.Status)

		calls := pub.all()
		require.Len(t, calls, 1)
		assert.Equal(t, cfg.DLQ.Destination, calls[0].Destination)
	})

	t.Run("Should reject an oversized payload with 413", func(t *testing.T) {
		cfg := testConfig()
		cfg.Validator.MaxPayloadSize = 10
		h, _ := newTestHandler(t, cfg)
		r := newTestRouter(h)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", strings.NewReader(`{"id":"this payload is far too long"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("Should write a rejected event to the DLQ destination", func(t *testing.T) {
		cfg := testConfig()
		h, pub := newTestHandler(t, cfg)
		r := newTestRouter(h)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

		calls := pub.all()
		require.Len(t, calls, 1)
		assert.Equal(t, cfg.DLQ.Destination, calls[0].Destination)
	})

	t.Run("Should return a 429 when the rate limit is exceeded", func(t *testing.T) {
		cfg := testConfig()
		cfg.RateLimit.LimitForPeriod = 1
		cfg.RateLimit.LimitRefreshPeriod = time.Minute
		cfg.RateLimit.TimeoutDuration = 10 * time.Millisecond
		h, _ := newTestHandler(t, cfg)
		r := newTestRouter(h)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", strings.NewReader(`{}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if i == 1 {
				assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			}
		}
	})

	t.Run("Should replay the cached response for a repeated idempotency key", func(t *testing.T) {
		cfg := testConfig()
		h, pub := newTestHandler(t, cfg)
		r := newTestRouter(h)

		body := `{"id":"evt_dup"}`
		makeReq := func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Idempotency-Key", "dup-key-1")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			return rec
		}

		first := makeReq()
		require.Equal(t, http.StatusAccepted, first.Code)
		second := makeReq()
		require.Equal(t, http.StatusAccepted, second.Code)
		assert.Equal(t, first.Body.String(), second.Body.String())

		assert.Len(t, pub.all(), 1)
	})
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte, map[string]string) error {
	return errors.New("publisher: destination unreachable")
}

func (failingPublisher) Close() error { return nil }

func TestHandler_BreakerStateMetric(t *testing.T) {
	t.Run("Should report the circuit breaker's open state once it trips", func(t *testing.T) {
		cfg := testConfig()
		cfg.Resilience.MaxAttempts = 1
		cfg.Resilience.SlidingWindowSize = 2
		cfg.Resilience.MinimumCalls = 2
		cfg.Resilience.FailureRateThreshold = 50
		cfg.RateLimit.LimitForPeriod = 1000
		const requests = 10

		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		store := idempotency.New(client, cfg.Idempotency.LockDuration, cfg.Idempotency.ProcessedTTL, cfg.Idempotency.HTTPKeyTTL)
		reg, err := metrics.New(config.MetricsConfig{Enabled: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = reg.Shutdown(t.Context()) })

		h := New(cfg, failingPublisher{}, store, reg)
		t.Cleanup(func() { _ = h.Close(t.Context()) })
		r := newTestRouter(h)

		for i := 0; i < requests; i++ {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/stripe", strings.NewReader(`{}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
		}

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		reg.ExporterHandler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "hookrelay_circuit_breaker_state")
		assert.Contains(t, body, `name="stripe"`)
		assert.True(t, h.BreakerOpen(), "handler should observe the breaker it just reported as open")
	})
}
