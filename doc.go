// Package engage provides a multi-tenant engagement ledger for Go applications.
//
// Engage is designed as a library, not a service. Import it directly into your
// Go application and point it at a store. It provides:
//
//   - Per-user votes with atomic previous-value swap for exact aggregate swings
//   - Emoji reaction sets with exclusive and multi-reaction modes
//   - Non-negative fund balances with a full append-only audit ledger
//   - Tamper-evident, scope-bound pagination cursors
//   - Pluggable event hooks for denormalized counters
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/xraph/engage"
//	    "github.com/xraph/engage/store/memory"
//	)
//
//	e := engage.New(memory.New(),
//	    engage.WithCursorSecret(secret),
//	)
//
//	// Start the engine (migrates the store, begins background workers)
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop()
//
// # Core Concepts
//
// Every engagement row is keyed by (project, user, target). Mutations are one
// atomic store round trip and return the state immediately before, so callers
// can derive side-effect deltas exactly once per action:
//
//	previous, err := e.CastVote(ctx, projectID, userID, postID, vote.Up)
//	score += vote.Swing(previous, vote.Up)
//
// Reactions support both an exclusive mode (one reaction replaces the set)
// and a multi mode (set union and removal):
//
//	previous, err := e.ExpressSingle(ctx, projectID, userID, postID, "🔥")
//	previous, err = e.ExpressAdd(ctx, projectID, userID, postID, []string{"👍", "🎉"})
//
// Funding moves signed amounts against a per-target balance that can never go
// negative, and every accepted delta lands in the audit ledger:
//
//	txn, previous, err := e.Fund(ctx, projectID, userID, postID, 4, "grant", "signup bonus")
//	if errors.Is(err, engage.ErrInsufficientBalance) {
//	    // rejected, nothing changed
//	}
//
// Listings are cursor-paginated, newest-modified first:
//
//	records, next, err := e.ListVotes(ctx, projectID, userID, "")
//	for next != "" {
//	    var page []*vote.Record
//	    page, next, err = e.ListVotes(ctx, projectID, userID, next)
//	    records = append(records, page...)
//	}
//
// # Stores
//
// Three backends ship in-tree: store/memory for tests and embedded use,
// store/mongo, and store/postgres. All enforce the same conditional-write
// semantics; see the store package for the contract.
package engage
