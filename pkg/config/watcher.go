package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher fans a single file's write/create events out to any number of
// registered callbacks, backed by fsnotify the way the corpus's own
// config watcher is.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func()

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher creates a Watcher backed by a fresh OS file-system watch.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	return &Watcher{fsw: fsw, done: make(chan struct{})}, nil
}

// OnChange registers a callback invoked on every write/create event Watch
// observes for its path. Safe to call more than once; every registered
// callback runs on each event.
func (w *Watcher) OnChange(cb func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Watch begins watching path, running every registered callback, one after
// another on a single background goroutine, on write/create events until
// ctx is done or Close is called.
func (w *Watcher) Watch(ctx context.Context, path string) error {
	if err := w.fsw.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			callbacks := append([]func(){}, w.callbacks...)
			w.mu.Unlock()
			for _, cb := range callbacks {
				cb()
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the underlying watch. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
