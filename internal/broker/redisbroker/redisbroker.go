// Package redisbroker implements the broker.Publisher/Subscriber contract on
// Redis Streams, for deployments that already run Redis for C10 and would
// rather not add a dedicated broker dependency.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// Broker publishes to and consumes from Redis Streams. Unlike the corpus's
// own pubsub.RedisProvider (plain Pub/Sub, at-most-once, no replay), this
// uses XADD/XREADGROUP so undelivered messages survive a consumer crash —
// the at-least-once guarantee spec §4.12 requires.
type Broker struct {
	client  redis.UniversalClient
	groupID string
}

// New returns a Broker backed by client, using groupID as the consumer
// group name for every destination it subscribes to.
func New(client redis.UniversalClient, groupID string) *Broker {
	return &Broker{client: client, groupID: groupID}
}

// Ping round-trips a PING to the Redis server, for C14's broker
// connectivity probe.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisbroker: ping: %w", err)
	}
	return nil
}

// Publish appends payload (with its headers flattened into stream fields
// alongside it) to the destination stream via XADD.
func (b *Broker) Publish(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	values := map[string]any{payloadField: payload}
	for k, v := range headers {
		values["hdr_"+k] = v
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: destination, Values: values}).Err(); err != nil {
		return fmt.Errorf("redisbroker: publish %s: %w", destination, err)
	}
	return nil
}

// Subscribe ensures the destination stream's consumer group exists, then
// polls it with XREADGROUP in a background goroutine, XACKing on success
// and leaving failed entries unacknowledged in the group's pending list.
// The loop reads only new entries (">"); it does not re-read or claim
// pending entries, so a failed entry is not delivered again by it.
func (b *Broker) Subscribe(ctx context.Context, destination string, handler broker.Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, destination, b.groupID, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroup(err) {
		return fmt.Errorf("redisbroker: create group for %s: %w", destination, err)
	}

	consumerName := fmt.Sprintf("%s-%d", destination, time.Now().UnixNano())
	go b.readLoop(ctx, destination, consumerName, handler)
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (b *Broker) readLoop(ctx context.Context, destination, consumerName string, handler broker.Handler) {
	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.groupID,
			Consumer: consumerName,
			Streams:  []string{destination, ">"},
			Count:    50,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Error("redisbroker: read error", "destination", destination, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, destination, msg, handler, log)
			}
		}
	}
}

func (b *Broker) handleMessage(ctx context.Context, destination string, msg redis.XMessage, handler broker.Handler, log logger.Logger) {
	payload, _ := msg.Values[payloadField].(string)
	headers := map[string]string{}
	for k, v := range msg.Values {
		if after, ok := trimHdrPrefix(k); ok {
			if s, ok := v.(string); ok {
				headers[after] = s
			}
		}
	}
	err := handler(ctx, broker.Message{Destination: destination, Payload: []byte(payload), Headers: headers})
	if err != nil {
		log.Error("redisbroker: handler error", "destination", destination, "error", err)
		return
	}
	if err := b.client.XAck(ctx, destination, b.groupID, msg.ID).Err(); err != nil {
		log.Error("redisbroker: ack failed", "destination", destination, "error", err)
	}
}

func trimHdrPrefix(key string) (string, bool) {
	const prefix = "hdr_"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}

// Close is a no-op: the shared redis.UniversalClient outlives this Broker
// and is closed by whoever constructed it.
func (b *Broker) Close() error { return nil }
