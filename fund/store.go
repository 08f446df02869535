package fund

import (
	"context"
	"time"

	"github.com/xraph/engage/types"
)

// Store is the storage contract for the funding ledger.
//
// Apply must be conditional and atomic: the non-negativity check and the
// balance write are one store operation, with no separate read that could
// race. On engines without multi-collection atomicity the balance write is
// the gate and the transaction append follows it; the observable contract
// (balance equals the sum of transaction deltas, and is never negative)
// must hold either way.
type Store interface {
	// Apply checks that the current balance plus txn.Delta is non-negative,
	// and if so writes the new balance and appends txn with BalanceAfter
	// filled in. Returns the balance immediately before the call. A
	// violation returns engage.ErrInsufficientBalance with nothing written.
	Apply(ctx context.Context, key types.Key, txn *Transaction) (previousBalance int64, err error)

	// GetBatch returns the fund records for the given targets that exist.
	// A zero balance still counts as existing: "funded and fully unfunded"
	// is distinguishable from "never funded".
	GetBatch(ctx context.Context, projectID, userID string, targetIDs []string) ([]*Record, error)

	// List returns the user's fund records, most recently funded first.
	List(ctx context.Context, projectID, userID string, opts ListOpts) ([]*Record, error)

	// ListTransactions returns the user's ledger entries newest first,
	// strictly in per-user creation order.
	ListTransactions(ctx context.Context, projectID, userID string, opts TransactionListOpts) ([]*Transaction, error)

	// PurgeTransactions removes ledger entries whose ExpiresAt is set and
	// before the given time. Returns the number removed. Retention expiry
	// is the only sanctioned way a transaction disappears.
	PurgeTransactions(ctx context.Context, before time.Time) (int64, error)
}
