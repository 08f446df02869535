// Package express implements the reaction engine: an idempotent set of
// expression identifiers (usually emoji) keyed by (project, user, target).
// Every mutation returns the set as it existed immediately before, so callers
// can diff and apply aggregate counter deltas exactly once.
package express

import (
	"slices"
	"time"

	"github.com/xraph/engage/types"
)

// Record is one user's reaction set on one target.
type Record struct {
	types.Entity
	Key types.Key `json:"key"`
	// Expressions is the reaction set. Order carries no meaning; stores
	// normalize it for deterministic comparison. An empty set is logically
	// equivalent to an absent record.
	Expressions []string `json:"expressions"`
}

// Normalize sorts and deduplicates a reaction slice in place, returning the
// canonical form used for storage and comparison.
func Normalize(expressions []string) []string {
	if len(expressions) == 0 {
		return nil
	}
	out := slices.Clone(expressions)
	slices.Sort(out)
	return slices.Compact(out)
}

// Union returns the normalized union of two reaction sets.
func Union(a, b []string) []string {
	return Normalize(append(slices.Clone(a), b...))
}

// Difference returns the normalized elements of a not present in b.
// Removing a non-member is a no-op.
func Difference(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, e := range a {
		if !slices.Contains(b, e) {
			out = append(out, e)
		}
	}
	return Normalize(out)
}

// Diff compares a previous and next reaction set and returns what was added
// and what was removed. Callers use this to compute per-reaction aggregate
// swings off the previous set a mutation returned.
func Diff(prev, next []string) (added, removed []string) {
	for _, e := range next {
		if !slices.Contains(prev, e) {
			added = append(added, e)
		}
	}
	for _, e := range prev {
		if !slices.Contains(next, e) {
			removed = append(removed, e)
		}
	}
	return Normalize(added), Normalize(removed)
}

// ListOpts controls paginated reaction listing. Results are ordered most
// recently modified first; empty-set records are excluded.
type ListOpts struct {
	Limit          int
	AfterUpdatedAt time.Time
	AfterTargetID  string
}
