// Package memory provides an in-memory Store for tests and demos. A single
// mutex serializes every operation, which makes each mutation trivially
// atomic: the previous state handed back is exactly what was stored when the
// mutation took effect.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xraph/engage"
	"github.com/xraph/engage/express"
	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

type Store struct {
	mu sync.Mutex

	// Engagement rows, keyed by types.Key.String()
	votes       map[string]*vote.Record
	expressions map[string]*express.Record
	funds       map[string]*fund.Record

	// Ledger entries, keyed by "project/user", append order == creation order
	transactions map[string][]*fund.Transaction

	// lastTick makes UpdatedAt strictly increasing across mutations, so
	// "most recently modified" ordering is deterministic even when two
	// mutations land in the same wall-clock nanosecond.
	lastTick time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		votes:        make(map[string]*vote.Record),
		expressions:  make(map[string]*express.Record),
		funds:        make(map[string]*fund.Record),
		transactions: make(map[string][]*fund.Transaction),
	}
}

func (s *Store) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastTick) {
		now = s.lastTick.Add(time.Nanosecond)
	}
	s.lastTick = now
	return now
}

func userKey(projectID, userID string) string {
	return projectID + "/" + userID
}

// ──────────────────────────────────────────────────
// Vote methods
// ──────────────────────────────────────────────────

func (s *Store) SetVote(_ context.Context, key types.Key, value vote.Value) (vote.Value, error) {
	if !value.Valid() {
		return vote.None, engage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.votes[key.String()]
	if !ok {
		if value == vote.None {
			// Absence already means None; nothing to record.
			return vote.None, nil
		}
		now := s.tick()
		s.votes[key.String()] = &vote.Record{
			Entity: types.Entity{CreatedAt: now, UpdatedAt: now},
			Key:    key,
			Value:  value,
		}
		return vote.None, nil
	}

	prev := rec.Value
	rec.Value = value
	rec.UpdatedAt = s.tick()
	return prev, nil
}

func (s *Store) GetVotes(_ context.Context, projectID, userID string, targetIDs []string) ([]*vote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*vote.Record, 0, len(targetIDs))
	for _, target := range targetIDs {
		key := types.NewKey(projectID, userID, target)
		if rec, ok := s.votes[key.String()]; ok && rec.Value != vote.None {
			clone := *rec
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (s *Store) ListVotes(_ context.Context, projectID, userID string, opts vote.ListOpts) ([]*vote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*vote.Record, 0)
	for _, rec := range s.votes {
		if rec.Key.ProjectID != projectID || rec.Key.UserID != userID || rec.Value == vote.None {
			continue
		}
		if !olderThan(rec.UpdatedAt, rec.Key.TargetID, opts.AfterUpdatedAt, opts.AfterTargetID) {
			continue
		}
		clone := *rec
		matched = append(matched, &clone)
	}

	sortRecent(matched, func(r *vote.Record) (time.Time, string) { return r.UpdatedAt, r.Key.TargetID })
	return capLimit(matched, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Express methods
// ──────────────────────────────────────────────────

func (s *Store) SetExpression(_ context.Context, key types.Key, expression string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next []string
	if expression != "" {
		next = []string{expression}
	}
	return s.mutateExpressions(key, func([]string) []string { return next }), nil
}

func (s *Store) AddExpressions(_ context.Context, key types.Key, expressions []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateExpressions(key, func(current []string) []string {
		return express.Union(current, expressions)
	}), nil
}

func (s *Store) RemoveExpressions(_ context.Context, key types.Key, expressions []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateExpressions(key, func(current []string) []string {
		return express.Difference(current, expressions)
	}), nil
}

// mutateExpressions applies fn to the current set under the store lock and
// returns the previous set. A record is only created when the resulting set
// is non-empty; an existing record that empties is kept as an empty-set row.
func (s *Store) mutateExpressions(key types.Key, fn func(current []string) []string) []string {
	rec, ok := s.expressions[key.String()]
	if !ok {
		next := fn(nil)
		if len(next) == 0 {
			return nil
		}
		now := s.tick()
		s.expressions[key.String()] = &express.Record{
			Entity:      types.Entity{CreatedAt: now, UpdatedAt: now},
			Key:         key,
			Expressions: next,
		}
		return nil
	}

	prev := slices.Clone(rec.Expressions)
	rec.Expressions = fn(rec.Expressions)
	rec.UpdatedAt = s.tick()
	return prev
}

func (s *Store) GetExpressions(_ context.Context, projectID, userID string, targetIDs []string) ([]*express.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*express.Record, 0, len(targetIDs))
	for _, target := range targetIDs {
		key := types.NewKey(projectID, userID, target)
		if rec, ok := s.expressions[key.String()]; ok && len(rec.Expressions) > 0 {
			result = append(result, cloneExpress(rec))
		}
	}
	return result, nil
}

func (s *Store) ListExpressions(_ context.Context, projectID, userID string, opts express.ListOpts) ([]*express.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*express.Record, 0)
	for _, rec := range s.expressions {
		if rec.Key.ProjectID != projectID || rec.Key.UserID != userID || len(rec.Expressions) == 0 {
			continue
		}
		if !olderThan(rec.UpdatedAt, rec.Key.TargetID, opts.AfterUpdatedAt, opts.AfterTargetID) {
			continue
		}
		matched = append(matched, cloneExpress(rec))
	}

	sortRecent(matched, func(r *express.Record) (time.Time, string) { return r.UpdatedAt, r.Key.TargetID })
	return capLimit(matched, opts.Limit), nil
}

func cloneExpress(rec *express.Record) *express.Record {
	clone := *rec
	clone.Expressions = slices.Clone(rec.Expressions)
	return &clone
}

// ──────────────────────────────────────────────────
// Fund methods
// ──────────────────────────────────────────────────

func (s *Store) ApplyFund(_ context.Context, key types.Key, txn *fund.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev int64
	rec, ok := s.funds[key.String()]
	if ok {
		prev = rec.Balance
	}

	if prev+txn.Delta < 0 {
		return 0, engage.ErrInsufficientBalance
	}

	now := s.tick()
	if !ok {
		rec = &fund.Record{
			Entity: types.Entity{CreatedAt: now, UpdatedAt: now},
			Key:    key,
		}
		s.funds[key.String()] = rec
	}
	rec.Balance = prev + txn.Delta
	rec.UpdatedAt = now

	txn.BalanceAfter = rec.Balance
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}

	clone := *txn
	pu := userKey(key.ProjectID, key.UserID)
	s.transactions[pu] = append(s.transactions[pu], &clone)

	return prev, nil
}

func (s *Store) GetFunds(_ context.Context, projectID, userID string, targetIDs []string) ([]*fund.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*fund.Record, 0, len(targetIDs))
	for _, target := range targetIDs {
		key := types.NewKey(projectID, userID, target)
		if rec, ok := s.funds[key.String()]; ok {
			clone := *rec
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (s *Store) ListFunds(_ context.Context, projectID, userID string, opts fund.ListOpts) ([]*fund.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*fund.Record, 0)
	for _, rec := range s.funds {
		if rec.Key.ProjectID != projectID || rec.Key.UserID != userID {
			continue
		}
		if !olderThan(rec.UpdatedAt, rec.Key.TargetID, opts.AfterUpdatedAt, opts.AfterTargetID) {
			continue
		}
		clone := *rec
		matched = append(matched, &clone)
	}

	sortRecent(matched, func(r *fund.Record) (time.Time, string) { return r.UpdatedAt, r.Key.TargetID })
	return capLimit(matched, opts.Limit), nil
}

func (s *Store) ListTransactions(_ context.Context, projectID, userID string, opts fund.TransactionListOpts) ([]*fund.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.transactions[userKey(projectID, userID)]
	after := opts.AfterID.String()

	result := make([]*fund.Transaction, 0)
	// Append order is creation order; walk backwards for newest-first.
	for i := len(all) - 1; i >= 0; i-- {
		txn := all[i]
		if after != "" && strings.Compare(txn.ID.String(), after) >= 0 {
			continue
		}
		clone := *txn
		result = append(result, &clone)
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) PurgeTransactions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for pu, all := range s.transactions {
		kept := all[:0]
		for _, txn := range all {
			if txn.ExpiresAt != nil && txn.ExpiresAt.Before(before) {
				purged++
				continue
			}
			kept = append(kept, txn)
		}
		s.transactions[pu] = kept
	}
	return purged, nil
}

// ──────────────────────────────────────────────────
// Bulk cleanup
// ──────────────────────────────────────────────────

// DeleteTarget removes all engagement rows for a target across every user in
// the project. The transaction ledger is untouched: history outlives targets.
func (s *Store) DeleteTarget(_ context.Context, projectID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(k types.Key) bool {
		return k.ProjectID == projectID && k.TargetID == targetID
	}
	for k, rec := range s.votes {
		if match(rec.Key) {
			delete(s.votes, k)
		}
	}
	for k, rec := range s.expressions {
		if match(rec.Key) {
			delete(s.expressions, k)
		}
	}
	for k, rec := range s.funds {
		if match(rec.Key) {
			delete(s.funds, k)
		}
	}
	return nil
}

// DeleteUser removes all engagement rows and the transaction ledger for a
// user within a project (explicit bulk purge).
func (s *Store) DeleteUser(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	match := func(k types.Key) bool {
		return k.ProjectID == projectID && k.UserID == userID
	}
	for k, rec := range s.votes {
		if match(rec.Key) {
			delete(s.votes, k)
		}
	}
	for k, rec := range s.expressions {
		if match(rec.Key) {
			delete(s.expressions, k)
		}
	}
	for k, rec := range s.funds {
		if match(rec.Key) {
			delete(s.funds, k)
		}
	}
	delete(s.transactions, userKey(projectID, userID))
	return nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// ──────────────────────────────────────────────────
// Listing helpers
// ──────────────────────────────────────────────────

// olderThan reports whether (updatedAt, targetID) sorts strictly after the
// resume position in the newest-first ordering. A zero position matches all.
func olderThan(updatedAt time.Time, targetID string, afterUpdatedAt time.Time, afterTargetID string) bool {
	if afterUpdatedAt.IsZero() {
		return true
	}
	if updatedAt.Before(afterUpdatedAt) {
		return true
	}
	return updatedAt.Equal(afterUpdatedAt) && targetID < afterTargetID
}

func sortRecent[T any](records []T, keyOf func(T) (time.Time, string)) {
	sort.Slice(records, func(i, j int) bool {
		ti, idI := keyOf(records[i])
		tj, idJ := keyOf(records[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idI > idJ
	})
}

func capLimit[T any](records []T, limit int) []T {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
