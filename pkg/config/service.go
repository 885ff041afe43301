package config

import (
	"context"
	"fmt"

	"github.com/knadh/koanf/v2"
)

// Service merges a set of Sources into a single *Config using koanf. It
// holds no state between calls to Load; callers that need hot-reload
// semantics should use Manager instead.
type Service struct {
	delim string
}

// NewService returns a Service using "." as its key path delimiter.
func NewService() *Service {
	return &Service{delim: "."}
}

// Load merges sources in order, each one overriding keys set by earlier
// sources, and unmarshals the result into a *Config. A nil source is
// skipped so callers may build the source list conditionally.
func (s *Service) Load(ctx context.Context, sources ...Source) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	k := koanf.New(s.delim)
	for _, src := range sources {
		if src == nil {
			continue
		}
		data, err := src.Load()
		if err != nil {
			return nil, fmt.Errorf("load %s source: %w", src.Type(), err)
		}
		if len(data) == 0 {
			continue
		}
		if err := k.Load(mapProvider(data), nil); err != nil {
			return nil, fmt.Errorf("merge %s source: %w", src.Type(), err)
		}
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderOverride{}
	}
	return cfg, nil
}

// mapProvider adapts a plain map to koanf's Provider interface so Service
// can re-merge a Source's already-loaded data.
type mapProviderFn func() (map[string]any, error)

func mapProvider(data map[string]any) koanf.Provider {
	return mapProviderFn(func() (map[string]any, error) { return data, nil })
}

func (f mapProviderFn) Read() (map[string]any, error) { return f() }

func (f mapProviderFn) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("mapProvider does not support ReadBytes")
}
