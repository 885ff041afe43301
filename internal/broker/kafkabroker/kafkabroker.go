// Package kafkabroker implements the broker.Publisher/Subscriber contract on
// Kafka via the franz-go client.
package kafkabroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/pkg/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Broker wraps a single franz-go client shared by every destination
// (Kafka topic). Each Subscribe call spins up its own consumer goroutine
// group-subscribed to one topic, so independent destinations don't share
// consumer offsets.
type Broker struct {
	seeds   []string
	groupID string

	mu       sync.Mutex
	producer *kgo.Client
	consumer map[string]*kgo.Client
}

// New returns a Broker that will dial seeds lazily on first use.
func New(seeds []string, groupID string) *Broker {
	return &Broker{seeds: seeds, groupID: groupID, consumer: make(map[string]*kgo.Client)}
}

func (b *Broker) producerClient() (*kgo.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		return b.producer, nil
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(b.seeds...))
	if err != nil {
		return nil, fmt.Errorf("kafkabroker: new producer: %w", err)
	}
	b.producer = client
	return client, nil
}

// Ping reports whether at least one broker of the cluster answers, for
// C14's broker connectivity probe.
func (b *Broker) Ping(ctx context.Context) error {
	client, err := b.producerClient()
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("kafkabroker: ping: %w", err)
	}
	return nil
}

// Publish produces payload to the destination topic, with headers carried
// as Kafka record headers.
func (b *Broker) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	client, err := b.producerClient()
	if err != nil {
		return err
	}
	record := &kgo.Record{Topic: destination, Value: payload}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	result := client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kafkabroker: publish %s: %w", destination, err)
	}
	return nil
}

// Subscribe joins groupID as a consumer of the destination topic and polls
// records in a background goroutine until ctx is canceled.
func (b *Broker) Subscribe(ctx context.Context, destination string, handler broker.Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.seeds...),
		kgo.ConsumerGroup(b.groupID),
		kgo.ConsumeTopics(destination),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("kafkabroker: new consumer for %s: %w", destination, err)
	}
	b.mu.Lock()
	b.consumer[destination] = client
	b.mu.Unlock()

	go b.pollLoop(ctx, destination, client, handler)
	return nil
}

func (b *Broker) pollLoop(ctx context.Context, destination string, client *kgo.Client, handler broker.Handler) {
	log := logger.FromContext(ctx)
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachError(func(_ string, _ int32, err error) {
			log.Error("kafkabroker: fetch error", "destination", destination, "error", err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			headers := map[string]string{}
			for _, h := range record.Headers {
				headers[h.Key] = string(h.Value)
			}
			if err := handler(ctx, broker.Message{Destination: destination, Payload: record.Value, Headers: headers}); err != nil {
				log.Error("kafkabroker: handler error", "destination", destination, "error", err)
				return
			}
			if err := client.CommitRecords(ctx, record); err != nil {
				log.Error("kafkabroker: commit failed", "destination", destination, "error", err)
			}
		})
	}
}

// Close releases the producer and every consumer client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		b.producer.Close()
	}
	for _, c := range b.consumer {
		c.Close()
	}
	return nil
}
