package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_Creation(t *testing.T) {
	t.Run("Should create a new watcher successfully", func(t *testing.T) {
		w, err := NewWatcher()
		require.NoError(t, err)
		require.NotNil(t, w)
		require.NoError(t, w.Close())
	})
}

func TestWatcher_Watch(t *testing.T) {
	t.Run("Should invoke the callback when the watched file changes", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "watcher-test-*.yaml")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		_, err = tmpFile.WriteString("test: value1")
		require.NoError(t, err)
		require.NoError(t, tmpFile.Close())

		w, err := NewWatcher()
		require.NoError(t, err)
		defer w.Close()

		var mu sync.Mutex
		callbackCount := 0
		var wg sync.WaitGroup
		wg.Add(1)
		w.OnChange(func() {
			mu.Lock()
			callbackCount++
			mu.Unlock()
			wg.Done()
		})

		require.NoError(t, w.Watch(t.Context(), tmpFile.Name()))
		time.Sleep(100 * time.Millisecond)

		require.NoError(t, os.WriteFile(tmpFile.Name(), []byte("test: value2"), 0o644))

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for callback")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.GreaterOrEqual(t, callbackCount, 1)
	})

	t.Run("Should run every registered callback on a single event", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "watcher-test-*.yaml")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		w, err := NewWatcher()
		require.NoError(t, err)
		defer w.Close()

		var wg sync.WaitGroup
		wg.Add(3)
		for range 3 {
			w.OnChange(func() { wg.Done() })
		}

		require.NoError(t, w.Watch(t.Context(), tmpFile.Name()))
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, os.WriteFile(tmpFile.Name(), []byte("test: value"), 0o644))

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for callbacks")
		}
	})

	t.Run("Should stop delivering callbacks once its context is canceled", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "watcher-test-*.yaml")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		w, err := NewWatcher()
		require.NoError(t, err)
		defer w.Close()

		var invoked atomic.Bool
		w.OnChange(func() { invoked.Store(true) })

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, w.Watch(ctx, tmpFile.Name()))
		cancel()

		require.NoError(t, os.WriteFile(tmpFile.Name(), []byte("test: value"), 0o644))
		assert.Never(t, invoked.Load, 300*time.Millisecond, 10*time.Millisecond)
	})
}

func TestWatcher_Close(t *testing.T) {
	t.Run("Should close without a prior Watch call", func(t *testing.T) {
		w, err := NewWatcher()
		require.NoError(t, err)
		assert.NoError(t, w.Close())
	})

	t.Run("Should be safe to call more than once", func(t *testing.T) {
		w, err := NewWatcher()
		require.NoError(t, err)
		assert.NoError(t, w.Close())
		assert.NoError(t, w.Close())
	})
}
