// Package ingress implements component C9: the full lifecycle of
// POST /api/v1/webhook/{provider}, orchestrating C1 through C8 and
// returning a WebhookAck per spec §4.9.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hookrelay/hookrelay/internal/batcher"
	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/internal/compressor"
	"github.com/hookrelay/hookrelay/internal/dlq"
	"github.com/hookrelay/hookrelay/internal/errs"
	"github.com/hookrelay/hookrelay/internal/idempotency"
	"github.com/hookrelay/hookrelay/internal/metadata"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/ratelimit"
	"github.com/hookrelay/hookrelay/internal/resilience"
	"github.com/hookrelay/hookrelay/internal/trace"
	"github.com/hookrelay/hookrelay/internal/validator"
	"github.com/hookrelay/hookrelay/internal/webhook"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/logger"
)

// cachedResponse is the value stored under idempotency:{http_key}: the
// exact status and body to replay for a repeated request, per spec §4.9
// step 5 ("return cached WebhookAck as-is, same status, same body").
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Handler wires C1 (Validator), C2 (RateLimiter), C3 (MetadataEnricher),
// C4 (Compressor), C5 (Batcher), C6/C7 (Publisher + ResilienceDecorator),
// and C8 (DLQWriter) behind a single HTTP endpoint.
type Handler struct {
	cfg        *config.Config
	validator  *validator.Validator
	enricher   *metadata.Enricher
	compressor *compressor.Compressor
	batcher    *batcher.Batcher
	dlqWriter  *dlq.Writer
	idempStore *idempotency.Store
	metricsReg *metrics.Registry

	mu             sync.Mutex
	limiters       map[string]ratelimit.Allower
	limiterFactory func(config.RateLimitConfig) ratelimit.Allower
	resiliences    map[string]*resilience.Decorator
}

// New builds a Handler. publisher is the C6 broker adapter batching/
// resilience publish through; idempStore backs the HTTP-level idempotency
// cache (C10's `idempotency:{key}` space).
func New(cfg *config.Config, publisher broker.Publisher, idempStore *idempotency.Store, metricsReg *metrics.Registry) *Handler {
	return &Handler{
		cfg:        cfg,
		validator:  validator.New(cfg.Validator),
		enricher:   metadata.New(),
		compressor: compressor.New(cfg.Compression),
		batcher:    batcher.New(cfg.Batching, publisher),
		dlqWriter:  dlq.New(publisher, cfg.DLQ.Destination, buildDLQFilters(cfg), metricsReg),
		idempStore: idempStore,
		metricsReg: metricsReg,
		limiters:   map[string]ratelimit.Allower{},
		limiterFactory: func(rcfg config.RateLimitConfig) ratelimit.Allower {
			return ratelimit.New(rcfg)
		},
		resiliences: map[string]*resilience.Decorator{},
	}
}

// SetRateLimiterFactory overrides how per-provider rate limiters are
// built. Composition roots call this to swap in ratelimit.NewDistributed
// when a provider's configuration selects the Redis-backed variant;
// already-constructed per-provider limiters are unaffected, so this must
// be called before the first request for a given provider arrives.
func (h *Handler) SetRateLimiterFactory(factory func(config.RateLimitConfig) ratelimit.Allower) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limiterFactory = factory
}

func buildDLQFilters(cfg *config.Config) map[string]*dlq.Filter {
	filters := make(map[string]*dlq.Filter)
	for name, override := range cfg.Providers {
		if override.DLQFilter == "" {
			continue
		}
		f, err := dlq.NewFilter(override.DLQFilter)
		if err != nil {
			logger.FromContext(context.Background()).Error(
				"ingress: invalid dlq_filter, provider defaults to always-dlq", "provider", name, "error", err)
			continue
		}
		filters[name] = f
	}
	return filters
}

// Register mounts the webhook ingestion route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/api/v1/webhook/:provider", h.handle)
}

// Close flushes the batcher and stops every per-provider rate limiter's
// background eviction loop.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	limiters := make([]ratelimit.Allower, 0, len(h.limiters))
	for _, l := range h.limiters {
		limiters = append(limiters, l)
	}
	h.mu.Unlock()
	for _, l := range limiters {
		l.Close()
	}
	return h.batcher.Close(ctx)
}

func (h *Handler) handle(c *gin.Context) {
	start := time.Now()
	provider := strings.ToLower(c.Param("provider"))
	eventID := uuid.NewString()

	tctx := trace.FromHTTPHeaders(c.Request.Header)
	ctx := trace.ContextWithTrace(c.Request.Context(), tctx)
	log := logger.FromContext(ctx).With("event_id", eventID, "provider", provider, "trace_id", tctx.TraceID)
	ctx = logger.ContextWithLogger(ctx, log)

	h.metricsReg.RecordReceived(ctx, provider)
	sourceIP := clientIP(c.Request)

	if err := h.limiterFor(provider).Allow(ctx, provider, sourceIP); err != nil {
		h.reject(c, ctx, provider, eventID, start, sourceIP, nil, err)
		return
	}

	vreq := validator.Request{
		ContentType:   c.ContentType(),
		ContentLength: c.Request.ContentLength,
		Header:        c.Request.Header,
		RemoteAddr:    c.Request.RemoteAddr,
	}
	if err := h.validator.Validate(provider, vreq); err != nil {
		h.reject(c, ctx, provider, eventID, start, sourceIP, nil, err)
		return
	}

	idemKey := c.GetHeader("X-Idempotency-Key")
	if idemKey != "" {
		if cached, cerr := h.idempStore.GetCachedResponse(ctx, idemKey); cerr != nil {
			log.Error("ingress: idempotency cache lookup failed", "error", cerr)
		} else if cached != nil {
			var resp cachedResponse
			if jerr := json.Unmarshal(cached, &resp); jerr == nil {
				h.metricsReg.RecordDuplicate(ctx, provider)
				c.Data(resp.Status, "application/json", resp.Body)
				return
			}
		}
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respondError(c, provider, eventID, start, fmt.Errorf("ingress: failed to read request body: %w", err))
		return
	}

	headers := flattenHeader(c.Request.Header)
	query := flattenQuery(c.Request.URL.Query())
	enriched := h.enricher.Enrich(c.Request, len(body))
	receivedAt := time.Now()

	envelope := webhook.Envelope{
		EventID:          eventID,
		ProviderName:     provider,
		Payload:          json.RawMessage(body),
		Headers:          headers,
		QueryParams:      query,
		ReceivedAt:       receivedAt,
		SourceIP:         sourceIP,
		HTTPMethod:       c.Request.Method,
		CorrelationID:    c.GetHeader("X-Correlation-ID"),
		EnrichedMetadata: enriched,
	}

	if ratio, cerr := h.compressor.Compress(&envelope); cerr != nil {
		log.Error("ingress: compression failed, publishing uncompressed", "error", cerr)
	} else if envelope.Compressed {
		h.metricsReg.RecordCompressionRatio(ctx, provider, ratio)
	}

	destination := broker.ResolveDestination(h.cfg.Broker, provider)
	msgHeaders := map[string]string{
		"provider":   provider,
		"eventId":    eventID,
		"receivedAt": receivedAt.Format(time.RFC3339Nano),
	}
	if envelope.CorrelationID != "" {
		msgHeaders["correlationId"] = envelope.CorrelationID
	}
	tctx.InjectHeaders(msgHeaders)

	payload, merr := json.Marshal(envelope)
	if merr != nil {
		h.respondError(c, provider, eventID, start, fmt.Errorf("ingress: failed to marshal envelope: %w", merr))
		return
	}

	decorator := h.resilienceFor(provider)
	publishErr := decorator.Do(ctx, func(ctx context.Context) error {
		return h.batcher.Submit(ctx, destination, payload, msgHeaders)
	})
	h.metricsReg.SetBreakerState(provider, breakerMetricState(decorator.BreakerOpen()))
	if publishErr != nil {
		h.metricsReg.RecordCall(ctx, "publisher", string(errs.CategoryOf(publishErr)))
		h.reject(c, ctx, provider, eventID, start, sourceIP, body, publishErr)
		return
	}
	h.metricsReg.RecordCall(ctx, "publisher", "success")

	processedAt := time.Now()
	responseTimeMs := processedAt.Sub(start).Milliseconds()
	ack := webhook.Ack{
		EventID:         eventID,
		Status:          webhook.AckAccepted,
		Message:         "accepted",
		ReceivedAt:      receivedAt,
		ProcessedAt:     processedAt,
		ProviderName:    provider,
		ReceivedPayload: json.RawMessage(body),
		Metadata: webhook.AckMetadata{
			Destination:    destination,
			SourceIP:       sourceIP,
			HTTPMethod:     c.Request.Method,
			PayloadSize:    len(body),
			HeaderCount:    len(headers),
			ResponseTimeMs: &responseTimeMs,
			CorrelationID:  envelope.CorrelationID,
		},
	}

	ackBody, merr := json.Marshal(ack)
	if merr != nil {
		h.respondError(c, provider, eventID, start, fmt.Errorf("ingress: failed to marshal ack: %w", merr))
		return
	}

	if idemKey != "" {
		cached := cachedResponse{Status: http.StatusAccepted, Body: ackBody}
		if raw, cerr := json.Marshal(cached); cerr == nil {
			if cerr := h.idempStore.CacheResponse(ctx, idemKey, raw, h.cfg.Idempotency.HTTPKeyTTL); cerr != nil {
				log.Error("ingress: failed to cache idempotent response", "error", cerr)
			}
		}
	}

	h.metricsReg.RecordPublished(ctx, provider)
	h.metricsReg.RecordPayloadSize(ctx, provider, len(body))
	h.metricsReg.RecordProcessingTime(ctx, provider, processedAt.Sub(start).Seconds())

	tctx.InjectHTTPHeaders(c.Writer.Header())
	c.Data(http.StatusAccepted, "application/json", ackBody)
}

// reject handles every terminal failure from C1/C2/C7: it records the
// rejection metric, best-effort DLQs the event, and returns a REJECTED or
// ERROR ack with the status mapped from err.
func (h *Handler) reject(
	c *gin.Context,
	ctx context.Context,
	provider, eventID string,
	start time.Time,
	sourceIP string,
	body []byte,
	err error,
) {
	log := logger.FromContext(ctx)
	status := httpStatusFor(err)
	category := webhook.RejectionCategory(errs.CategoryOf(err))

	h.metricsReg.RecordRejected(ctx, provider, string(category))

	rejected := webhook.RejectedEvent{
		Envelope: webhook.Envelope{
			EventID:      eventID,
			ProviderName: provider,
			Payload:      json.RawMessage(body),
			Headers:      flattenHeader(c.Request.Header),
			QueryParams:  flattenQuery(c.Request.URL.Query()),
			ReceivedAt:   start,
			SourceIP:     sourceIP,
			HTTPMethod:   c.Request.Method,
		},
		RejectedAt:        time.Now(),
		RejectionReason:   err.Error(),
		RejectionCategory: category,
	}
	h.dlqWriter.Write(ctx, rejected)

	processedAt := time.Now()
	responseTimeMs := processedAt.Sub(start).Milliseconds()
	ack := webhook.Ack{
		EventID:      eventID,
		Status:       ackStatusFor(category),
		Message:      err.Error(),
		ReceivedAt:   start,
		ProcessedAt:  processedAt,
		ProviderName: provider,
		Metadata: webhook.AckMetadata{
			SourceIP:       sourceIP,
			HTTPMethod:     c.Request.Method,
			PayloadSize:    len(body),
			HeaderCount:    len(c.Request.Header),
			ResponseTimeMs: &responseTimeMs,
		},
	}
	log.Warn("ingress: request rejected", "status", status, "category", category, "error", err)
	c.JSON(status, ack)
}

// respondError handles the "any uncaught exception" branch of spec
// §4.9's error table: an ERROR ack with 500, for failures that aren't a
// categorized rejection (body read, marshaling).
func (h *Handler) respondError(c *gin.Context, provider, eventID string, start time.Time, err error) {
	log := logger.FromContext(c.Request.Context())
	log.Error("ingress: unhandled error", "error", err)
	h.metricsReg.RecordFailed(c.Request.Context(), provider, "internal_error")

	processedAt := time.Now()
	responseTimeMs := processedAt.Sub(start).Milliseconds()
	ack := webhook.Ack{
		EventID:      eventID,
		Status:       webhook.AckError,
		Message:      err.Error(),
		ReceivedAt:   start,
		ProcessedAt:  processedAt,
		ProviderName: provider,
		Metadata:     webhook.AckMetadata{ResponseTimeMs: &responseTimeMs},
	}
	c.JSON(http.StatusInternalServerError, ack)
}

func ackStatusFor(category webhook.RejectionCategory) webhook.AckStatus {
	switch category {
	case webhook.RejectionValidation, webhook.RejectionRateLimited:
		return webhook.AckRejected
	default:
		return webhook.AckError
	}
}

// httpStatusFor maps a categorized error to spec §6.1/§4.7's status
// table. A StatusError (attached by the validator for 400/413/415/403)
// always wins; otherwise the mapping falls back to category.
func httpStatusFor(err error) int {
	if status, ok := errs.StatusOf(err); ok {
		return status
	}
	switch errs.CategoryOf(err) {
	case errs.CategoryRateLimited:
		return http.StatusTooManyRequests
	case errs.CategoryValidation:
		return http.StatusBadRequest
	case errs.CategoryTimeout:
		if errors.Is(err, resilience.ErrBreakerOpen) {
			return http.StatusServiceUnavailable
		}
		return http.StatusGatewayTimeout
	case errs.CategoryProcessing:
		return http.StatusBadGateway
	case errs.CategoryUnrecoverable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) limiterFor(provider string) ratelimit.Allower {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[provider]; ok {
		return l
	}
	l := h.limiterFactory(h.cfg.RateLimitFor(provider))
	h.limiters[provider] = l
	return l
}

func (h *Handler) resilienceFor(provider string) *resilience.Decorator {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.resiliences[provider]; ok {
		return d
	}
	d := resilience.New(h.cfg.ResilienceFor(provider))
	h.resiliences[provider] = d
	return d
}

// breakerMetricState maps a Decorator's open/closed bool to the
// circuit_breaker.state{name} values C15's registry exports. Decorator
// does not itself distinguish a half-open probe window, so that third
// state is never produced here.
func breakerMetricState(open bool) int64 {
	if open {
		return metrics.BreakerOpen
	}
	return metrics.BreakerClosed
}

// BreakerOpen reports whether any provider's circuit breaker is currently
// open, satisfying health.BreakerStateProvider for C14's readiness probe.
func (h *Handler) BreakerOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.resiliences {
		if d.BreakerOpen() {
			return true
		}
	}
	return false
}

// clientIP mirrors the validator's source-IP precedence: first
// X-Forwarded-For entry, else RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func flattenQuery(q url.Values) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
