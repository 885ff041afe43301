// Package dlq implements component C8: best-effort publication of rejected
// events to a configured dead-letter destination, optionally narrowed by a
// per-provider CEL predicate (SPEC_FULL.md §4.8).
package dlq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/webhook"
	"github.com/hookrelay/hookrelay/pkg/logger"
)

// Writer publishes RejectedEvents to a single, opaque destination. Per spec
// §4.8 it never propagates a failure back to the caller: publish errors are
// logged and swallowed, since a DLQ write is a courtesy, not part of the
// request's success criteria.
type Writer struct {
	publisher   broker.Publisher
	destination string
	filters     map[string]*Filter
	metricsReg  *metrics.Registry
}

// New builds a Writer. destination is used verbatim; spec §6.2's
// prefix/suffix/use_provider_as_topic resolution does not apply to it
// (Open Question in spec §4.8, resolved: the DLQ destination is a single
// opaque sink, not resolved per provider). filters is keyed by lower-cased
// provider name; a provider absent from the map always DLQs. metricsReg may
// be nil in tests that don't care about dlq.published_total.
func New(publisher broker.Publisher, destination string, filters map[string]*Filter, metricsReg *metrics.Registry) *Writer {
	if filters == nil {
		filters = map[string]*Filter{}
	}
	return &Writer{publisher: publisher, destination: destination, filters: filters, metricsReg: metricsReg}
}

// Write evaluates the provider's filter (if any) and, when allowed,
// publishes event to the DLQ destination. It never returns an error.
func (w *Writer) Write(ctx context.Context, event webhook.RejectedEvent) {
	log := logger.FromContext(ctx).With("provider", event.ProviderName, "event_id", event.EventID)

	if filter, ok := w.filters[event.ProviderName]; ok {
		allowed, err := filter.Allow(metadataOf(event))
		if err != nil {
			log.Error("dlq: filter evaluation failed, defaulting to dlq", "error", err)
		} else if !allowed {
			log.Debug("dlq: filter suppressed dlq write")
			return
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("dlq: failed to marshal rejected event", "error", err)
		return
	}

	headers := map[string]string{
		"provider_name":      event.ProviderName,
		"event_id":           event.EventID,
		"rejection_category": string(event.RejectionCategory),
		"rejected_at":        event.RejectedAt.Format(time.RFC3339),
	}
	if event.ExceptionType != "" {
		headers["exception_type"] = event.ExceptionType
	}
	if event.RetryCount != nil {
		headers["retry_count"] = strconv.Itoa(*event.RetryCount)
	}

	if err := w.publisher.Publish(ctx, w.destination, payload, headers); err != nil {
		log.Error("dlq: publish failed", "destination", w.destination, "error", err)
		return
	}
	if w.metricsReg != nil {
		w.metricsReg.RecordDLQPublished(ctx, string(event.RejectionCategory))
	}
}

// metadataOf flattens the fields a DLQ filter expression is most likely to
// need into a plain map, since cel-go's DynType resolves Go maps directly
// without requiring a registered proto message.
func metadataOf(event webhook.RejectedEvent) map[string]any {
	return map[string]any{
		"provider_name":      event.ProviderName,
		"rejection_category": string(event.RejectionCategory),
		"rejection_reason":   event.RejectionReason,
		"exception_type":     event.ExceptionType,
		"source_ip":          event.SourceIP,
		"http_method":        event.HTTPMethod,
		"headers":            event.Headers,
		"query_params":       event.QueryParams,
	}
}
