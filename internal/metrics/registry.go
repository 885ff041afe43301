package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/logger"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Registry bundles every instrument named in spec §4.15. A disabled
// Registry is fully usable: every Record* call is a safe no-op against a
// noop meter, so call sites never need to branch on whether metrics are
// turned on.
type Registry struct {
	meter    metric.Meter
	exporter *prometheus.Exporter
	provider *sdkmetric.MeterProvider
	promReg  *prom.Registry
	enabled  bool

	received       metric.Int64Counter
	published      metric.Int64Counter
	rejected       metric.Int64Counter
	failed         metric.Int64Counter
	duplicates     metric.Int64Counter
	payloadSize    metric.Int64Histogram
	processingTime metric.Float64Histogram
	callsTotal     metric.Int64Counter
	dlqPublished   metric.Int64Counter
	compressionRatio metric.Float64Histogram

	mu           sync.Mutex
	breakerState map[string]int64
}

// New builds a Registry. A disabled config returns a Registry backed by a
// noop meter rather than an error, matching the corpus's graceful
// degradation pattern for optional observability.
func New(cfg config.MetricsConfig) (*Registry, error) {
	if !cfg.Enabled {
		return newFromMeter(noop.NewMeterProvider().Meter("hookrelay"), nil, nil, nil, false)
	}
	promReg := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(promReg))
	if err != nil {
		return nil, fmt.Errorf("metrics: failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("hookrelay")
	return newFromMeter(meter, exporter, provider, promReg, true)
}

func newFromMeter(
	meter metric.Meter,
	exporter *prometheus.Exporter,
	provider *sdkmetric.MeterProvider,
	promReg *prom.Registry,
	enabled bool,
) (*Registry, error) {
	r := &Registry{
		meter:        meter,
		exporter:     exporter,
		provider:     provider,
		promReg:      promReg,
		enabled:      enabled,
		breakerState: map[string]int64{},
	}

	var err error
	if r.received, err = meter.Int64Counter(Name("webhooks.received"),
		metric.WithDescription("Webhook requests received by the ingress endpoint")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.received: %w", err)
	}
	if r.published, err = meter.Int64Counter(Name("webhooks.published"),
		metric.WithDescription("Envelopes successfully published to the broker")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.published: %w", err)
	}
	if r.rejected, err = meter.Int64Counter(Name("webhooks.rejected"),
		metric.WithDescription("Requests rejected by rate limit, validation or a failed publish, by reason")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.rejected: %w", err)
	}
	if r.failed, err = meter.Int64Counter(Name("webhooks.failed"),
		metric.WithDescription("Worker processing failures, by error type")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.failed: %w", err)
	}
	if r.duplicates, err = meter.Int64Counter(Name("webhooks.duplicates"),
		metric.WithDescription("Requests recognized as duplicates via idempotency")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.duplicates: %w", err)
	}
	if r.payloadSize, err = meter.Int64Histogram(Name("webhooks.payload_size"),
		metric.WithDescription("Request body size in bytes"),
		metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.payload_size: %w", err)
	}
	if r.processingTime, err = meter.Float64Histogram(Name("webhooks.processing.time"),
		metric.WithDescription("End-to-end processing duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("metrics: webhooks.processing.time: %w", err)
	}
	if r.callsTotal, err = meter.Int64Counter(Name("calls_total"),
		metric.WithDescription("Resilience ring invocations, by component and kind")); err != nil {
		return nil, fmt.Errorf("metrics: calls_total: %w", err)
	}
	if r.dlqPublished, err = meter.Int64Counter(Name("dlq.published_total"),
		metric.WithDescription("Events written to the dead-letter destination, by rejection category")); err != nil {
		return nil, fmt.Errorf("metrics: dlq.published_total: %w", err)
	}
	if r.compressionRatio, err = meter.Float64Histogram(Name("compression.ratio"),
		metric.WithDescription("Compressed-size/original-size ratio for compressed envelopes")); err != nil {
		return nil, fmt.Errorf("metrics: compression.ratio: %w", err)
	}
	if _, err = meter.Int64ObservableGauge(Name("circuit_breaker.state"),
		metric.WithDescription("Circuit breaker state: 0=closed, 1=open, 2=half-open"),
		metric.WithInt64Callback(r.observeBreakerState)); err != nil {
		return nil, fmt.Errorf("metrics: circuit_breaker.state: %w", err)
	}
	return r, nil
}

func (r *Registry) observeBreakerState(_ context.Context, obs metric.Int64Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, state := range r.breakerState {
		obs.Observe(state, metric.WithAttributes(attribute.String("name", name)))
	}
	return nil
}

// Breaker states observed by circuit_breaker.state.
const (
	BreakerClosed   int64 = 0
	BreakerOpen     int64 = 1
	BreakerHalfOpen int64 = 2
)

// RecordReceived increments webhooks.received{provider}.
func (r *Registry) RecordReceived(ctx context.Context, provider string) {
	r.received.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordPublished increments webhooks.published{provider}.
func (r *Registry) RecordPublished(ctx context.Context, provider string) {
	r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordRejected increments webhooks.rejected{provider, reason}.
func (r *Registry) RecordRejected(ctx context.Context, provider, reason string) {
	r.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordFailed increments webhooks.failed{provider, error_type}.
func (r *Registry) RecordFailed(ctx context.Context, provider, errorType string) {
	r.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("error_type", errorType),
	))
}

// RecordDuplicate increments webhooks.duplicates{provider}.
func (r *Registry) RecordDuplicate(ctx context.Context, provider string) {
	r.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordPayloadSize observes webhooks.payload_size{provider}.
func (r *Registry) RecordPayloadSize(ctx context.Context, provider string, size int) {
	r.payloadSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordProcessingTime observes webhooks.processing.time{provider} in seconds.
func (r *Registry) RecordProcessingTime(ctx context.Context, provider string, seconds float64) {
	r.processingTime.Record(ctx, seconds, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordCall increments calls_total{name, kind}, where kind is the
// resilience ring's exit path: "success", or the failure's error category
// (e.g. TIMEOUT_FAILURE for a timeout or an open breaker, PROCESSING_FAILURE
// for exhausted retries).
func (r *Registry) RecordCall(ctx context.Context, name, kind string) {
	r.callsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("kind", kind),
	))
}

// RecordCompressionRatio observes compression.ratio{provider} per spec §4.4.
func (r *Registry) RecordCompressionRatio(ctx context.Context, provider string, ratio float64) {
	r.compressionRatio.Record(ctx, ratio, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordDLQPublished increments dlq.published_total{category}.
func (r *Registry) RecordDLQPublished(ctx context.Context, category string) {
	r.dlqPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// SetBreakerState records name's current state for the next
// circuit_breaker.state collection.
func (r *Registry) SetBreakerState(name string, state int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerState[name] = state
}

// ExporterHandler serves /metrics in Prometheus exposition format. A
// disabled Registry answers 503.
func (r *Registry) ExporterHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.enabled {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("metrics disabled")); err != nil {
				logger.FromContext(req.Context()).Error("metrics: failed to write disabled response", "error", err)
			}
			return
		}
		promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{}).ServeHTTP(w, req)
	})
}

// Shutdown flushes and stops the underlying meter provider, if any.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
