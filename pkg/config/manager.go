package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookrelay/hookrelay/pkg/logger"
)

// Manager owns the current *Config and keeps it refreshed as watched
// sources change, coalescing bursts of change notifications via debounce.
type Manager struct {
	Service *Service

	debounce time.Duration

	mu      sync.Mutex
	current atomic.Pointer[Config]
	sources []Source
	cancel  context.CancelFunc
	timer   *time.Timer
	closed  bool
}

// NewManager returns a Manager wrapping svc. A nil svc uses NewService().
func NewManager(svc *Service) *Manager {
	if svc == nil {
		svc = NewService()
	}
	return &Manager{Service: svc, debounce: 100 * time.Millisecond}
}

// SetDebounce overrides the coalescing window applied to watch-triggered
// reloads.
func (m *Manager) SetDebounce(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounce = d
}

// Load merges sources into a fresh *Config, stores it, and starts watching
// any source that supports it so later changes trigger an automatic
// reload.
func (m *Manager) Load(ctx context.Context, sources ...Source) (*Config, error) {
	cfg, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)

	m.mu.Lock()
	m.sources = sources
	m.mu.Unlock()

	m.startWatch(ctx)
	return cfg, nil
}

// Get returns the most recently loaded *Config, or nil if Load has not
// been called yet.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Close stops any active watches. It is safe to call multiple times.
func (m *Manager) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	return nil
}

func (m *Manager) startWatch(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	sources := m.sources
	m.mu.Unlock()

	log := logger.FromContext(ctx)
	for _, src := range sources {
		if src == nil {
			continue
		}
		src := src
		go func() {
			err := src.Watch(watchCtx, func() { m.scheduleReload(watchCtx) })
			if err != nil && watchCtx.Err() == nil {
				log.Warn("config source watch stopped", "source", src.Type(), "error", err)
			}
		}()
	}
}

func (m *Manager) scheduleReload(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.reload(ctx)
	})
}

func (m *Manager) reload(ctx context.Context) {
	m.mu.Lock()
	sources := m.sources
	m.mu.Unlock()

	log := logger.FromContext(ctx)
	cfg, err := m.Service.Load(ctx, sources...)
	if err != nil {
		log.Error("config reload failed", "error", err)
		return
	}
	m.current.Store(cfg)
	log.Info(fmt.Sprintf("config reloaded from %d sources", len(sources)))
}
