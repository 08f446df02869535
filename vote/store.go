package vote

import (
	"context"

	"github.com/xraph/engage/types"
)

// Store is the storage contract for the vote engine. Implementations must
// make Set a single atomic swap: no read-then-write window may exist between
// observing the previous value and storing the new one.
type Store interface {
	// Set stores value for key and returns the value stored immediately
	// before the call (None if the record did not exist).
	Set(ctx context.Context, key types.Key, value Value) (Value, error)

	// GetBatch returns the records for the given targets that exist and are
	// not at None. Absent targets are omitted, not represented as None.
	GetBatch(ctx context.Context, projectID, userID string, targetIDs []string) ([]*Record, error)

	// List returns the user's non-None votes, most recently modified first.
	List(ctx context.Context, projectID, userID string, opts ListOpts) ([]*Record, error)
}
