package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/internal/broker"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []broker.Message
}

func (p *recordingPublisher) Publish(_ context.Context, destination string, payload []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, broker.Message{Destination: destination, Payload: payload, Headers: headers})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) all() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.calls...)
}

// blockingPublisher blocks its very first call until block is closed, and
// signals started once it has entered that block. Every later call
// returns immediately. This lets tests deterministically observe a sink
// mid-flush without sleeping.
type blockingPublisher struct {
	started chan struct{}
	block   chan struct{}
	entered atomic.Bool

	mu    sync.Mutex
	calls []broker.Message
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{started: make(chan struct{}), block: make(chan struct{})}
}

func (p *blockingPublisher) Publish(_ context.Context, destination string, payload []byte, headers map[string]string) error {
	if p.entered.CompareAndSwap(false, true) {
		close(p.started)
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, broker.Message{Destination: destination, Payload: payload, Headers: headers})
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

func (p *blockingPublisher) all() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.calls...)
}

func TestBatcher_Submit(t *testing.T) {
	t.Run("Should publish directly when batching is disabled", func(t *testing.T) {
		pub := &recordingPublisher{}
		b := New(config.BatchingConfig{Enabled: false}, pub)

		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("payload"), nil))

		assert.Len(t, pub.all(), 1)
	})

	t.Run("Should flush as soon as max_batch_size is reached", func(t *testing.T) {
		pub := &recordingPublisher{}
		b := New(config.BatchingConfig{
			Enabled:      true,
			MaxBatchSize: 2,
			MaxWaitTime:  time.Hour,
			BufferSize:   10,
		}, pub)

		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("1"), nil))
		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("2"), nil))

		require.Eventually(t, func() bool {
			return len(pub.all()) == 2
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, b.Close(withTimeout(t)))
		assert.Len(t, pub.all(), 2)
	})

	t.Run("Should flush on max_wait_time even below max_batch_size", func(t *testing.T) {
		pub := &recordingPublisher{}
		b := New(config.BatchingConfig{
			Enabled:      true,
			MaxBatchSize: 100,
			MaxWaitTime:  20 * time.Millisecond,
			BufferSize:   10,
		}, pub)

		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("1"), nil))

		require.Eventually(t, func() bool {
			return len(pub.all()) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Should fall back to a direct publish when the buffer is full", func(t *testing.T) {
		pub := newBlockingPublisher()
		b := New(config.BatchingConfig{
			Enabled:      true,
			MaxBatchSize: 1,
			MaxWaitTime:  time.Hour,
			BufferSize:   1,
		}, pub)

		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("1"), nil))
		<-pub.started // sink is now blocked inside its first flush

		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("2"), nil)) // fills the 1-slot buffer
		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("3"), nil)) // buffer full -> direct publish

		close(pub.block)
		require.NoError(t, b.Close(withTimeout(t)))

		assert.Len(t, pub.all(), 3)
	})

	t.Run("Should flush pending items on Close", func(t *testing.T) {
		pub := &recordingPublisher{}
		b := New(config.BatchingConfig{
			Enabled:      true,
			MaxBatchSize: 100,
			MaxWaitTime:  time.Hour,
			BufferSize:   10,
		}, pub)

		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("1"), nil))
		require.NoError(t, b.Submit(t.Context(), "stripe", []byte("2"), nil))

		require.NoError(t, b.Close(withTimeout(t)))
		assert.Len(t, pub.all(), 2)
	})
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
