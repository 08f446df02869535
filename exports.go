package engage

import "github.com/xraph/engage/types"

// Re-export common types for convenience so users don't have to import types package.

// Key is re-exported from types package.
type Key = types.Key

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export constructors
var (
	NewKey    = types.NewKey
	NewEntity = types.NewEntity
)
