// Package broker defines the broker-agnostic publish/subscribe contract
// (component C6's Publisher half, and the Subscriber half consumed by
// C12 ConsumerRuntime) implemented by the natsbroker, kafkabroker, and
// redisbroker adapters.
package broker

import (
	"context"

	"github.com/hookrelay/hookrelay/pkg/config"
)

// Message is a single broker delivery: a serialized envelope plus the
// transport headers carried alongside it (provider, event id, trace ids).
type Message struct {
	Destination string
	Payload     []byte
	Headers     map[string]string
}

// Handler processes one delivered Message. Returning an error triggers the
// backend's redelivery mechanism (Nak/retry); returning nil acknowledges
// it. Handlers must be safe to call concurrently.
type Handler func(ctx context.Context, msg Message) error

// Publisher is the single contract spec §4.6 requires: publish an envelope
// to a destination with headers. It performs no retry of its own — that is
// the resilience decorator's job (C7).
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error
	Close() error
}

// Subscriber lets the consumer runtime register one Handler per destination
// (component C12). Subscribe returns once the subscription is established;
// delivery happens on background goroutines until ctx is canceled.
type Subscriber interface {
	Subscribe(ctx context.Context, destination string, handler Handler) error
	Close() error
}

// ResolveDestination implements spec §6.2: a provider's explicit
// custom_destination wins verbatim; otherwise the destination is built from
// the configured prefix/suffix, including the provider name only when
// use_provider_as_topic is set.
func ResolveDestination(cfg config.BrokerConfig, provider string) string {
	if cfg.CustomDestination != "" {
		return cfg.CustomDestination
	}
	name := ""
	if cfg.UseProviderAsTopic {
		name = provider
	}
	return cfg.Prefix + name + cfg.Suffix
}
