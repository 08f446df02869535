package express

import (
	"context"

	"github.com/xraph/engage/types"
)

// Store is the storage contract for the express engine. Each mutation is a
// single atomic operation that returns the set stored immediately before it.
// Mutations are idempotent at the storage level: applying the same SetSingle,
// Add, or Remove twice yields the same stored set, though the returned
// previous set naturally differs between the first and second call.
type Store interface {
	// SetSingle replaces the entire set with {expression}, or clears it when
	// expression is empty. Exclusive-reaction semantics, not additive.
	SetSingle(ctx context.Context, key types.Key, expression string) (previous []string, err error)

	// Add unions the given reactions into the set.
	Add(ctx context.Context, key types.Key, expressions []string) (previous []string, err error)

	// Remove takes the set difference. Removing non-members is a no-op.
	Remove(ctx context.Context, key types.Key, expressions []string) (previous []string, err error)

	// GetBatch returns the records for the given targets that exist with a
	// non-empty set. Absent and emptied targets are omitted.
	GetBatch(ctx context.Context, projectID, userID string, targetIDs []string) ([]*Record, error)

	// List returns the user's non-empty reaction sets, most recently
	// modified first.
	List(ctx context.Context, projectID, userID string, opts ListOpts) ([]*Record, error)
}
