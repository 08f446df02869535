package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit         []OnInit
	onShutdown     []OnShutdown
	onVoteCast     []OnVoteCast
	onExpressed    []OnExpressed
	onFunded       []OnFunded
	onFundRejected []OnFundRejected
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnVoteCast); ok {
		r.onVoteCast = append(r.onVoteCast, v)
	}
	if v, ok := p.(OnExpressed); ok {
		r.onExpressed = append(r.onExpressed, v)
	}
	if v, ok := p.(OnFunded); ok {
		r.onFunded = append(r.onFunded, v)
	}
	if v, ok := p.(OnFundRejected); ok {
		r.onFundRejected = append(r.onFundRejected, v)
	}

	return nil
}

// Plugins returns the names of all registered plugins.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name()
	}
	return names
}

// EmitInit notifies all OnInit plugins. Failures are logged, not returned:
// one misbehaving plugin must not block engine startup.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onInit {
		if err := p.OnInit(ctx, engine); err != nil {
			r.logger.Error("plugin init failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitShutdown notifies all OnShutdown plugins.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onShutdown {
		if err := p.OnShutdown(ctx); err != nil {
			r.logger.Error("plugin shutdown failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitVoteCast notifies all OnVoteCast plugins.
func (r *Registry) EmitVoteCast(ctx context.Context, key types.Key, previous, value vote.Value) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onVoteCast {
		if err := p.OnVoteCast(ctx, key, previous, value); err != nil {
			r.logger.Error("plugin vote hook failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitExpressed notifies all OnExpressed plugins.
func (r *Registry) EmitExpressed(ctx context.Context, key types.Key, previous, next []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onExpressed {
		if err := p.OnExpressed(ctx, key, previous, next); err != nil {
			r.logger.Error("plugin express hook failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitFunded notifies all OnFunded plugins.
func (r *Registry) EmitFunded(ctx context.Context, txn *fund.Transaction, previousBalance int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onFunded {
		if err := p.OnFunded(ctx, txn, previousBalance); err != nil {
			r.logger.Error("plugin fund hook failed", "plugin", p.Name(), "error", err)
		}
	}
}

// EmitFundRejected notifies all OnFundRejected plugins.
func (r *Registry) EmitFundRejected(ctx context.Context, key types.Key, delta int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.onFundRejected {
		if err := p.OnFundRejected(ctx, key, delta); err != nil {
			r.logger.Error("plugin fund-rejected hook failed", "plugin", p.Name(), "error", err)
		}
	}
}
