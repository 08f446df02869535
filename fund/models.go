// Package fund implements the funding ledger: a per-(project, user, target)
// balance that can never go negative, backed by an append-only transaction
// log. The log is the source of truth; the balance is a snapshot written
// atomically alongside each transaction.
package fund

import (
	"time"

	"github.com/xraph/engage/id"
	"github.com/xraph/engage/types"
)

// Record is the current funded balance of one user on one target.
type Record struct {
	types.Entity
	Key types.Key `json:"key"`
	// Balance is the total currently funded. Invariant: never negative, and
	// always equal to the sum of deltas of this key's transactions.
	Balance int64 `json:"balance"`
}

// Transaction is one immutable entry in the audit ledger. Transactions for a
// (project, user) pair sort by ID in creation order.
type Transaction struct {
	ID        id.TransactionID `json:"id"`
	ProjectID string           `json:"project_id"`
	UserID    string           `json:"user_id"`
	TargetID  string           `json:"target_id"`
	// Delta is the signed funding change. Zero is legal and records an
	// audit checkpoint without moving the balance.
	Delta        int64      `json:"delta"`
	BalanceAfter int64      `json:"balance_after"`
	Type         string     `json:"type"`
	Summary      string     `json:"summary,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Key returns the engagement key this transaction applied to.
func (t *Transaction) Key() types.Key {
	return types.NewKey(t.ProjectID, t.UserID, t.TargetID)
}

// ListOpts controls paginated fund-record listing, ordered most recently
// funded target first.
type ListOpts struct {
	Limit          int
	AfterUpdatedAt time.Time
	AfterTargetID  string
}

// TransactionListOpts controls paginated ledger listing, ordered newest
// transaction first across all of the user's targets.
type TransactionListOpts struct {
	Limit int
	// AfterID resumes strictly after (older than) the given transaction.
	AfterID id.TransactionID
}
