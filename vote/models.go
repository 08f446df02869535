// Package vote implements the per-target vote engine: a three-state value
// (none, up, down) keyed by (project, user, target), mutated by a single
// atomic swap that returns the previous value.
package vote

import (
	"time"

	"github.com/xraph/engage/types"
)

// Value is the state of one user's vote on one target.
type Value string

const (
	// None means no vote. A missing record and a None-valued record are
	// indistinguishable to callers.
	None Value = "none"
	// Up is an upvote.
	Up Value = "up"
	// Down is a downvote.
	Down Value = "down"
)

// Valid reports whether v is one of the three vote states.
func (v Value) Valid() bool {
	switch v {
	case None, Up, Down:
		return true
	}
	return false
}

// Score returns the contribution of this value to a target's vote tally:
// +1 for Up, -1 for Down, 0 for None.
func (v Value) Score() int {
	switch v {
	case Up:
		return 1
	case Down:
		return -1
	}
	return 0
}

// Swing returns the net tally change implied by a prev→next transition.
// Up→Down is -2, None→Up is +1, Up→Up is 0. Callers apply exactly one swing
// per logical user action, computed from the previous value the engine
// returned for that action.
func Swing(prev, next Value) int {
	return next.Score() - prev.Score()
}

// Record is one user's vote on one target.
type Record struct {
	types.Entity
	Key   types.Key `json:"key"`
	Value Value     `json:"value"`
}

// ListOpts controls paginated vote listing. Results are ordered most recently
// modified first; records at None are excluded.
type ListOpts struct {
	// Limit caps the number of records returned. Zero means no cap.
	Limit int
	// AfterUpdatedAt / AfterTargetID resume a listing strictly after the
	// given position (exclusive). Zero values start from the top.
	AfterUpdatedAt time.Time
	AfterTargetID  string
}
