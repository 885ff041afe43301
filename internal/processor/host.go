package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/internal/compressor"
	"github.com/hookrelay/hookrelay/internal/dlq"
	"github.com/hookrelay/hookrelay/internal/idempotency"
	"github.com/hookrelay/hookrelay/internal/metrics"
	"github.com/hookrelay/hookrelay/internal/signature"
	"github.com/hookrelay/hookrelay/internal/trace"
	"github.com/hookrelay/hookrelay/internal/webhook"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/logger"
)

// Host orchestrates spec §4.13's state machine: acquire the content-derived
// idempotency lock, check the processed marker, verify the signature, run
// the user Processor with its lifecycle hooks, then mark-processed and
// release — returning nil to ACK or an error to NACK per the branch taken.
type Host struct {
	cfg        *config.Config
	store      *idempotency.Store
	processor  Processor
	hooks      Hooks
	dlqWriter  *dlq.Writer
	metricsReg *metrics.Registry

	providers map[string]bool // empty means "handle every provider"

	verifiers map[string]signature.Verifier
}

// New builds a Host. providers restricts which provider names this host
// will process (spec §4.13's "cannot-process (provider mismatch)" branch);
// an empty list processes every provider.
func New(
	cfg *config.Config,
	store *idempotency.Store,
	proc Processor,
	hooks Hooks,
	dlqWriter *dlq.Writer,
	metricsReg *metrics.Registry,
	providers []string,
) (*Host, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}
	h := &Host{
		cfg:        cfg,
		store:      store,
		processor:  proc,
		hooks:      hooks,
		dlqWriter:  dlqWriter,
		metricsReg: metricsReg,
		providers:  make(map[string]bool, len(providers)),
		verifiers:  make(map[string]signature.Verifier),
	}
	for _, p := range providers {
		h.providers[p] = true
	}
	for name, override := range cfg.Providers {
		if override.Verify == nil {
			continue
		}
		v, err := signature.New(signature.Config{
			Strategy:  override.Verify.Strategy,
			Header:    override.Verify.Header,
			Secret:    override.Verify.Secret,
			Tolerance: override.Verify.Tolerance,
		})
		if err != nil {
			return nil, fmt.Errorf("processor: building verifier for provider %s: %w", name, err)
		}
		h.verifiers[name] = v
	}
	return h, nil
}

// Handle is a broker.Handler: the function ConsumerRuntime (C12) registers
// against every subscribed destination.
func (h *Host) Handle(ctx context.Context, msg broker.Message) error {
	tctx := trace.FromMessageHeaders(msg.Headers)
	ctx = trace.ContextWithTrace(ctx, tctx)
	log := logger.FromContext(ctx).With("trace_id", tctx.TraceID)
	ctx = logger.ContextWithLogger(ctx, log)

	var envelope webhook.Envelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		log.Error("processor: failed to decode envelope", "destination", msg.Destination, "error", err)
		return fmt.Errorf("processor: decode envelope: %w", err)
	}
	log = log.With("event_id", envelope.EventID, "provider", envelope.ProviderName)

	if !h.canProcess(envelope.ProviderName) {
		log.Debug("processor: provider mismatch, skipping")
		return nil
	}

	if envelope.Compressed {
		if err := compressor.Decompress(&envelope); err != nil {
			log.Error("processor: failed to decompress payload", "error", err)
			return fmt.Errorf("processor: decompress: %w", err)
		}
	}

	contentKey, err := webhook.ContentKey(envelope.ProviderName, envelope.Payload)
	if err != nil {
		contentKey = envelope.EventID
	}

	lease, err := h.store.TryAcquire(ctx, contentKey)
	if err != nil {
		if errors.Is(err, idempotency.ErrNotAcquired) {
			log.Debug("processor: lock held by another worker, skipping", "content_key", contentKey)
			h.metricsReg.RecordDuplicate(ctx, envelope.ProviderName)
			return nil
		}
		log.Error("processor: failed to acquire idempotency lock", "error", err)
		return fmt.Errorf("processor: acquire lock: %w", err)
	}

	processed, err := h.store.IsProcessed(ctx, contentKey)
	if err != nil {
		h.release(ctx, lease)
		log.Error("processor: failed to check processed marker", "error", err)
		return fmt.Errorf("processor: check processed: %w", err)
	}
	if processed {
		h.release(ctx, lease)
		log.Debug("processor: already processed, skipping", "content_key", contentKey)
		h.metricsReg.RecordDuplicate(ctx, envelope.ProviderName)
		return nil
	}

	if err := h.verifySignature(ctx, envelope); err != nil {
		h.release(ctx, lease)
		log.Warn("processor: signature verification failed", "error", err)
		h.dlqWriter.Write(ctx, webhook.RejectedEvent{
			Envelope:          envelope,
			RejectedAt:        time.Now(),
			RejectionReason:   err.Error(),
			RejectionCategory: webhook.RejectionValidation,
		})
		return fmt.Errorf("processor: signature verification: %w", err)
	}

	return h.runProcessor(ctx, envelope, contentKey, lease)
}

func (h *Host) runProcessor(ctx context.Context, envelope webhook.Envelope, contentKey string, lease *idempotency.Lease) error {
	log := logger.FromContext(ctx)

	h.hooks.BeforeProcess(ctx, envelope)
	start := time.Now()
	result := h.invokeProcessor(ctx, envelope)
	h.metricsReg.RecordProcessingTime(ctx, envelope.ProviderName, time.Since(start).Seconds())

	switch result.Outcome {
	case Success:
		if err := h.store.MarkProcessed(ctx, contentKey, envelope.EventID, h.cfg.Idempotency.ProcessedTTL); err != nil {
			log.Error("processor: failed to mark processed", "error", err)
			h.release(ctx, lease)
			return fmt.Errorf("processor: mark processed: %w", err)
		}
		h.hooks.AfterProcess(ctx, envelope, result)
		h.release(ctx, lease)
		h.metricsReg.RecordPublished(ctx, envelope.ProviderName)
		return nil

	case Skipped:
		h.release(ctx, lease)
		return nil

	case Retry:
		h.recordFailure(ctx, envelope, contentKey, "retry", result.Err)
		if h.deadLetterIfPolicyExceeded(ctx, envelope, contentKey, result.Err) {
			h.release(ctx, lease)
			return nil
		}
		h.release(ctx, lease)
		waitContext(ctx, result.RetryDelay)
		return fmt.Errorf("processor: retry requested: %w", orUnknown(result.Err))

	default: // Failed
		h.recordFailure(ctx, envelope, contentKey, "failed", result.Err)
		if h.deadLetterIfPolicyExceeded(ctx, envelope, contentKey, result.Err) {
			h.release(ctx, lease)
			return nil
		}
		h.release(ctx, lease)
		return fmt.Errorf("processor: processing failed: %w", orUnknown(result.Err))
	}
}

// invokeProcessor runs the user Processor, translating a panic into the
// state machine's on_error(exception) branch (record_failure + release +
// NACK) rather than crashing the consumer goroutine.
func (h *Host) invokeProcessor(ctx context.Context, envelope webhook.Envelope) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Outcome: Failed, Err: fmt.Errorf("processor: panic: %v", r)}
		}
	}()
	return h.processor.Process(ctx, envelope)
}

func (h *Host) recordFailure(ctx context.Context, envelope webhook.Envelope, contentKey, kind string, cause error) {
	if cause == nil {
		cause = errors.New(kind)
	}
	if err := h.store.RecordFailure(ctx, contentKey, cause); err != nil {
		logger.FromContext(ctx).Error("processor: failed to record failure", "error", err)
	}
	h.metricsReg.RecordFailed(ctx, envelope.ProviderName, kind)
}

// deadLetterIfPolicyExceeded writes event to the DLQ and returns true once
// its content key has failed at least MaxDeliveryFailures times, replacing
// indefinite NACK/redelivery with a terminal dead-letter per spec §4.13's
// "NACK (to DLQ after policy)" branch.
func (h *Host) deadLetterIfPolicyExceeded(ctx context.Context, envelope webhook.Envelope, contentKey string, cause error) bool {
	threshold := h.cfg.Consumer.MaxDeliveryFailures
	if threshold <= 0 {
		return false
	}
	count, err := h.store.FailureCount(ctx, contentKey)
	if err != nil {
		logger.FromContext(ctx).Error("processor: failed to read failure count", "error", err)
		return false
	}
	if count < threshold {
		return false
	}
	reason := "processing failed after exceeding retry policy"
	if cause != nil {
		reason = cause.Error()
	}
	h.dlqWriter.Write(ctx, webhook.RejectedEvent{
		Envelope:          envelope,
		RejectedAt:        time.Now(),
		RejectionReason:   reason,
		RejectionCategory: webhook.RejectionProcessing,
		RetryCount:        &count,
	})
	return true
}

func (h *Host) release(ctx context.Context, lease *idempotency.Lease) {
	if err := lease.Release(ctx); err != nil {
		logger.FromContext(ctx).Error("processor: failed to release idempotency lock", "error", err)
	}
}

func (h *Host) canProcess(provider string) bool {
	if len(h.providers) == 0 {
		return true
	}
	return h.providers[provider]
}

func (h *Host) verifySignature(ctx context.Context, envelope webhook.Envelope) error {
	verifier, ok := h.verifiers[envelope.ProviderName]
	if !ok {
		return nil
	}
	if !verifier.RequiresValidation() {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, envelope.HTTPMethod, "http://internal/"+envelope.ProviderName, nil)
	if err != nil {
		return fmt.Errorf("processor: building verification request: %w", err)
	}
	for k, v := range envelope.Headers {
		req.Header.Set(k, v)
	}
	return verifier.Verify(ctx, req, envelope.Payload)
}

// waitContext sleeps for delay, or until ctx is canceled, whichever comes
// first — it never blocks past the caller's own deadline.
func waitContext(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func orUnknown(err error) error {
	if err == nil {
		return errors.New("unspecified outcome")
	}
	return err
}
