// Package consumer implements component C12: subscribing to a configured
// set of broker destinations and handing each delivered envelope to the
// processor host (C13).
package consumer

import (
	"context"
	"fmt"

	"github.com/hookrelay/hookrelay/internal/broker"
)

// Runtime subscribes a single broker.Handler to every configured
// destination. Delivery is at-least-once; duplicate deliveries are the
// expected case and are resolved by the handler's own idempotency check.
type Runtime struct {
	subscriber   broker.Subscriber
	handler      broker.Handler
	destinations []string
}

// New builds a Runtime. handler is typically (*processor.Host).Handle.
func New(subscriber broker.Subscriber, handler broker.Handler, destinations []string) *Runtime {
	return &Runtime{subscriber: subscriber, handler: handler, destinations: destinations}
}

// Start subscribes to every configured destination. Subscribe returns once
// each subscription is established; delivery continues on background
// goroutines owned by the broker adapter until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	if len(r.destinations) == 0 {
		return fmt.Errorf("consumer: no destinations configured")
	}
	for _, destination := range r.destinations {
		if err := r.subscriber.Subscribe(ctx, destination, r.handler); err != nil {
			return fmt.Errorf("consumer: subscribe %s: %w", destination, err)
		}
	}
	return nil
}

// Close stops the underlying broker subscriber.
func (r *Runtime) Close() error {
	return r.subscriber.Close()
}
