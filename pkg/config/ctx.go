package config

import "context"

type ctxKey int

// managerCtxKey is the context key a *Manager is stored under.
const managerCtxKey ctxKey = iota

// ContextWithManager binds a Manager into ctx for downstream retrieval.
func ContextWithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, managerCtxKey, m)
}

// ManagerFromContext returns the Manager bound to ctx, or nil if none is
// present.
func ManagerFromContext(ctx context.Context) *Manager {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(managerCtxKey).(*Manager)
	return m
}

// FromContext returns the current *Config from the Manager bound to ctx,
// or Default() if no Manager is bound or it has not loaded yet.
func FromContext(ctx context.Context) *Config {
	if m := ManagerFromContext(ctx); m != nil {
		if cfg := m.Get(); cfg != nil {
			return cfg
		}
	}
	return Default()
}
