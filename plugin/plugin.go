// Package plugin provides an extensible plugin system for Engage.
// Plugins can hook into engagement events to extend functionality — most
// commonly to apply denormalized aggregate counters off the previous-state
// diff each mutation produces.
package plugin

import (
	"context"

	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Engagement hooks
// ──────────────────────────────────────────────────

// OnVoteCast is called after a vote mutation, with the previous and new
// values. Fires once per successful store write; hooks applying aggregate
// swings own their at-least-once hazard on caller retries.
type OnVoteCast interface {
	Plugin
	OnVoteCast(ctx context.Context, key types.Key, previous, value vote.Value) error
}

// OnExpressed is called after a reaction-set mutation, with the previous and
// new sets.
type OnExpressed interface {
	Plugin
	OnExpressed(ctx context.Context, key types.Key, previous, next []string) error
}

// OnFunded is called after a successful funding transaction.
type OnFunded interface {
	Plugin
	OnFunded(ctx context.Context, txn *fund.Transaction, previousBalance int64) error
}

// OnFundRejected is called when a funding delta is rejected for driving the
// balance negative. The rejection itself has no stored effect.
type OnFundRejected interface {
	Plugin
	OnFundRejected(ctx context.Context, key types.Key, delta int64) error
}
