// Package batcher implements component C5: optional per-destination
// buffering of outbound publishes, flushed on a (max-size, max-wait)
// trigger so the ingestion path can decouple from broker round trips.
package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/logger"
)

// Item is one buffered publish request.
type Item struct {
	Destination string
	Payload     []byte
	Headers     map[string]string
}

// Batcher lazily creates one sink per destination on first Submit and
// fans every item for that destination through it. When disabled, Submit
// publishes directly with no buffering.
type Batcher struct {
	cfg       config.BatchingConfig
	publisher broker.Publisher
	mu        sync.Mutex
	sinks     map[string]*sink
	closed    atomic.Bool
}

// New builds a Batcher publishing flushed batches through publisher.
func New(cfg config.BatchingConfig, publisher broker.Publisher) *Batcher {
	return &Batcher{
		cfg:       cfg,
		publisher: publisher,
		sinks:     map[string]*sink{},
	}
}

// Submit enqueues one item for destination. If batching is disabled, the
// buffer for destination is full, or the batcher is shutting down, it
// falls back to a direct, synchronous publish.
func (b *Batcher) Submit(ctx context.Context, destination string, payload []byte, headers map[string]string) error {
	if !b.cfg.Enabled || b.closed.Load() {
		return b.publisher.Publish(ctx, destination, payload, headers)
	}

	item := Item{Destination: destination, Payload: payload, Headers: headers}
	s := b.sinkFor(destination)

	select {
	case s.items <- item:
		return nil
	default:
		return b.publisher.Publish(ctx, destination, payload, headers)
	}
}

func (b *Batcher) sinkFor(destination string) *sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sinks[destination]; ok {
		return s
	}
	s := newSink(destination, b.cfg, b.publisher)
	b.sinks[destination] = s
	go s.run()
	return s
}

// Close marks every sink complete, draining and flushing pending items
// with a bounded wait governed by ctx.
func (b *Batcher) Close(ctx context.Context) error {
	b.closed.Store(true)

	b.mu.Lock()
	sinks := make([]*sink, 0, len(b.sinks))
	for _, s := range b.sinks {
		sinks = append(sinks, s)
	}
	b.mu.Unlock()

	for _, s := range sinks {
		close(s.items)
	}
	for _, s := range sinks {
		select {
		case <-s.flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sink is the per-destination bounded buffer plus its flush timer.
type sink struct {
	destination string
	cfg         config.BatchingConfig
	publisher   broker.Publisher
	items       chan Item
	flushed     chan struct{}
}

func newSink(destination string, cfg config.BatchingConfig, publisher broker.Publisher) *sink {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &sink{
		destination: destination,
		cfg:         cfg,
		publisher:   publisher,
		items:       make(chan Item, bufferSize),
		flushed:     make(chan struct{}),
	}
}

// run accumulates items until either max_batch_size is reached or
// max_wait_time has elapsed since the first item of the current batch,
// whichever comes first, then flushes. It exits, flushing whatever
// remains, once items is closed.
func (s *sink) run() {
	defer close(s.flushed)

	maxBatchSize := s.cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	maxWait := s.cfg.MaxWaitTime
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}

	batch := make([]Item, 0, maxBatchSize)
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case item, ok := <-s.items:
			if !ok {
				s.flush(batch)
				return
			}
			if len(batch) == 0 {
				if !timer.Stop() {
					drainTimer(timer)
				}
				timer.Reset(maxWait)
			}
			batch = append(batch, item)
			if len(batch) >= maxBatchSize {
				s.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					drainTimer(timer)
				}
				timer.Reset(maxWait)
			}
		case <-timer.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(maxWait)
		}
	}
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// flush publishes every item of batch. Publishing happens on the
// background context since the request that originally submitted the
// item has long since returned; a failure is logged, matching the
// best-effort nature of an already-decoupled async flush.
func (s *sink) flush(batch []Item) {
	if len(batch) == 0 {
		return
	}
	log := logger.FromContext(context.Background()).With("destination", s.destination)
	for _, item := range batch {
		if err := s.publisher.Publish(context.Background(), item.Destination, item.Payload, item.Headers); err != nil {
			log.Error("batcher: flush publish failed", "error", err)
		}
	}
}
