// Package store defines the unified storage interface for all Engage
// entities. Backends live in the subpackages (memory, mongo, postgres).
package store

import (
	"context"
	"time"

	"github.com/xraph/engage/express"
	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// Store is the unified storage interface for all Engage entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
//
// Every mutation is a single conditional store operation. The "previous
// state" each mutation returns reflects the real serialization order of
// concurrent calls on the same key; backends must not implement these as a
// read followed by a write.
type Store interface {
	// Vote methods
	SetVote(ctx context.Context, key types.Key, value vote.Value) (vote.Value, error)
	GetVotes(ctx context.Context, projectID, userID string, targetIDs []string) ([]*vote.Record, error)
	ListVotes(ctx context.Context, projectID, userID string, opts vote.ListOpts) ([]*vote.Record, error)

	// Express methods
	SetExpression(ctx context.Context, key types.Key, expression string) ([]string, error)
	AddExpressions(ctx context.Context, key types.Key, expressions []string) ([]string, error)
	RemoveExpressions(ctx context.Context, key types.Key, expressions []string) ([]string, error)
	GetExpressions(ctx context.Context, projectID, userID string, targetIDs []string) ([]*express.Record, error)
	ListExpressions(ctx context.Context, projectID, userID string, opts express.ListOpts) ([]*express.Record, error)

	// Fund methods
	ApplyFund(ctx context.Context, key types.Key, txn *fund.Transaction) (int64, error)
	GetFunds(ctx context.Context, projectID, userID string, targetIDs []string) ([]*fund.Record, error)
	ListFunds(ctx context.Context, projectID, userID string, opts fund.ListOpts) ([]*fund.Record, error)
	ListTransactions(ctx context.Context, projectID, userID string, opts fund.TransactionListOpts) ([]*fund.Transaction, error)
	PurgeTransactions(ctx context.Context, before time.Time) (int64, error)

	// Bulk cleanup methods
	DeleteTarget(ctx context.Context, projectID, targetID string) error
	DeleteUser(ctx context.Context, projectID, userID string) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
