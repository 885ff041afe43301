// Package natsbroker implements the broker.Publisher/Subscriber contract on
// NATS JetStream, the default backend.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defAckWait    = 30 * time.Second
	defMaxDeliver = 5
	defMaxAge     = 7 * 24 * time.Hour
	streamName    = "HOOKRELAY"
)

// Broker is a jetstream.JetStream-backed Publisher and Subscriber. A single
// durable stream captures every destination as its own subject. The stream
// is ensured in New and again on every Subscribe, and each consumer is
// created on Subscribe; both use CreateOrUpdateStream/CreateOrUpdateConsumer,
// so repeating the setup is idempotent.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream

	mu       sync.Mutex
	subjects map[string]struct{}
}

// New dials servers and ensures the shared HOOKRELAY stream exists.
func New(ctx context.Context, servers []string) (*Broker, error) {
	conn, err := nats.Connect(strings.Join(servers, ","))
	if err != nil {
		return nil, fmt.Errorf("natsbroker: connect: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbroker: jetstream: %w", err)
	}
	b := &Broker{conn: conn, js: js, subjects: make(map[string]struct{})}
	if _, err := b.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	b.mu.Lock()
	subjects := make([]string, 0, len(b.subjects)+1)
	subjects = append(subjects, streamName+".>")
	b.mu.Unlock()
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
		MaxAge:   defMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbroker: create stream: %w", err)
	}
	return stream, nil
}

// Ping reports whether the underlying NATS connection is up, for C14's
// broker connectivity probe.
func (b *Broker) Ping(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("natsbroker: not connected (status=%s)", b.conn.Status())
	}
	return nil
}

func subject(destination string) string {
	return streamName + "." + destination
}

// Publish sends payload on destination's subject with headers attached as
// NATS message headers.
func (b *Broker) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject(destination))
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("natsbroker: publish %s: %w", destination, err)
	}
	return nil
}

// Subscribe creates (or reuses) a durable consumer filtered to destination's
// subject and runs a fetch/ack loop until ctx is canceled, following the
// corpus's own JetStream fetch-batch-then-ack/nak shape.
func (b *Broker) Subscribe(ctx context.Context, destination string, handler broker.Handler) error {
	stream, err := b.ensureStream(ctx)
	if err != nil {
		return err
	}
	name := "consumer-" + strings.ReplaceAll(destination, ".", "-")
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: subject(destination),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       defAckWait,
		MaxDeliver:    defMaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("natsbroker: create consumer %s: %w", destination, err)
	}

	go b.consumeLoop(ctx, destination, consumer, handler)
	return nil
}

func (b *Broker) consumeLoop(ctx context.Context, destination string, consumer jetstream.Consumer, handler broker.Handler) {
	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := consumer.Fetch(50, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			log.Error("natsbroker: fetch error", "destination", destination, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for msg := range msgs.Messages() {
			headers := map[string]string{}
			for k := range msg.Headers() {
				headers[k] = msg.Headers().Get(k)
			}
			handleErr := handler(ctx, broker.Message{Destination: destination, Payload: msg.Data(), Headers: headers})
			if handleErr != nil {
				log.Error("natsbroker: handler error", "destination", destination, "error", handleErr)
				if err := msg.Nak(); err != nil {
					log.Error("natsbroker: nak failed", "error", err)
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				log.Error("natsbroker: ack failed", "error", err)
			}
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			log.Warn("natsbroker: batch error", "destination", destination, "error", err)
		}
	}
}

// Close closes the underlying connection without draining it.
func (b *Broker) Close() error {
	b.conn.Close()
	return nil
}
