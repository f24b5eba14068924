package config

import (
	"context"
	"sync/atomic"
)

// Provider hands out the current configuration snapshot and supports atomic
// reloads. Readers always see a complete Config; a reload swaps the pointer
// in one step and never mutates a snapshot already handed out.
type Provider struct {
	current atomic.Pointer[Config]
	loader  Loader
}

// NewProvider creates a Provider serving the given initial configuration.
// loader may be nil when reloads are not supported.
func NewProvider(initial *Config, loader Loader) *Provider {
	p := &Provider{loader: loader}
	p.current.Store(initial)
	return p
}

// Get returns the current configuration snapshot.
func (p *Provider) Get() *Config {
	return p.current.Load()
}

// Reload re-runs the loader and swaps in the result. Components that
// snapshot configuration at operation start, such as already running scan
// jobs, keep their old values.
func (p *Provider) Reload(ctx context.Context) (*Config, error) {
	if p.loader == nil {
		return p.Get(), nil
	}
	cfg, err := p.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	p.current.Store(cfg)
	return cfg, nil
}
