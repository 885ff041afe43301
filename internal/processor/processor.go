// Package processor implements component C13: the per-message state
// machine that sits between the consumer runtime and user business logic,
// enforcing content-derived idempotency and signature verification before
// a single user Processor ever runs.
package processor

import (
	"context"
	"time"

	"github.com/hookrelay/hookrelay/internal/webhook"
)

// Outcome is the result a user Processor reports for one deduplicated
// event.
type Outcome int

const (
	// Success marks the event durably processed; mark_processed runs and
	// the broker message is acknowledged.
	Success Outcome = iota
	// Skipped acknowledges the message without marking it processed —
	// the user processor determined there was nothing to do.
	Skipped
	// Retry negatively acknowledges the message after RetryDelay, for
	// transient failures the caller expects redelivery to resolve.
	Retry
	// Failed negatively acknowledges the message for a non-transient
	// failure; repeated Failed/Retry outcomes past the configured policy
	// dead-letter the event instead of retrying indefinitely.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Retry:
		return "retry"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what Processor.Process reports for one event.
type Result struct {
	Outcome    Outcome
	RetryDelay time.Duration // meaningful only when Outcome == Retry
	Err        error         // reason; surfaced to record_failure and DLQ
}

// Processor is user-supplied business logic invoked once per
// content-deduplicated webhook event.
type Processor interface {
	Process(ctx context.Context, envelope webhook.Envelope) Result
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, envelope webhook.Envelope) Result

func (f ProcessorFunc) Process(ctx context.Context, envelope webhook.Envelope) Result {
	return f(ctx, envelope)
}

// Hooks are optional lifecycle callbacks run immediately around Process.
// AfterProcess only runs on the Success branch, matching spec §4.13's
// state diagram.
type Hooks interface {
	BeforeProcess(ctx context.Context, envelope webhook.Envelope)
	AfterProcess(ctx context.Context, envelope webhook.Envelope, result Result)
}

// NopHooks is the default no-op Hooks.
type NopHooks struct{}

func (NopHooks) BeforeProcess(context.Context, webhook.Envelope)             {}
func (NopHooks) AfterProcess(context.Context, webhook.Envelope, Result) {}
