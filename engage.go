package engage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/engage/cursor"
	"github.com/xraph/engage/express"
	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/id"
	"github.com/xraph/engage/plugin"
	"github.com/xraph/engage/store"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// DefaultPageSize is the list page size used unless WithPageSize overrides it.
const DefaultPageSize = 50

// Engine is the engagement ledger core. Every operation is one atomic round
// trip to the store; mutations return the previous state so callers can
// compute side-effect deltas (aggregate swings) exactly once.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	codec   *cursor.Codec

	pageSize int
	maxTries uint

	// Transaction retention
	retention     time.Duration
	purgeInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Engine over the given store.
//
// Without WithCursorSecret a random per-process secret is generated:
// pagination works, but cursors do not survive a restart.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		pageSize:      DefaultPageSize,
		purgeInterval: time.Hour,
		stopChan:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.codec == nil {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("engage: generate cursor secret: %v", err))
		}
		codec, err := cursor.NewCodec(secret)
		if err != nil {
			panic(fmt.Sprintf("engage: init cursor codec: %v", err))
		}
		e.codec = codec
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCursorSecret sets the symmetric secret sealing pagination cursors.
// Share it across replicas so cursors from one instance decode on another.
// It panics on an empty secret (programming error).
func WithCursorSecret(secret []byte) Option {
	return func(e *Engine) {
		codec, err := cursor.NewCodec(secret)
		if err != nil {
			panic(fmt.Sprintf("engage: %v", err))
		}
		e.codec = codec
	}
}

// WithPageSize sets the list page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithRetry enables bounded exponential backoff around store round trips.
// Only transient store failures are retried; domain rejections and cursor
// errors are deterministic and returned immediately.
func WithRetry(maxTries uint) Option {
	return func(e *Engine) {
		e.maxTries = maxTries
	}
}

// WithRetention stamps every transaction with an expiry of ttl and runs a
// background purge at the given interval once the engine is started.
func WithRetention(ttl, interval time.Duration) Option {
	return func(e *Engine) {
		e.retention = ttl
		if interval > 0 {
			e.purgeInterval = interval
		}
	}
}

// Start migrates the store, initializes plugins, and begins background
// workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.retention > 0 {
		e.wg.Add(1)
		go e.purgeWorker(ctx)
	}

	e.logger.Info("engage started",
		"page_size", e.pageSize,
		"retention", e.retention,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	e.plugins.EmitShutdown(context.Background())

	return e.store.Close()
}

// withRetry wraps a single store round trip in the configured retry policy.
// With retries disabled it is a direct call.
func withRetry[T any](ctx context.Context, e *Engine, fn func() (T, error)) (T, error) {
	if e.maxTries <= 1 {
		return fn()
	}

	op := func() (T, error) {
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(e.maxTries),
	)
}

func checkKey(key types.Key) error {
	if err := checkScope(key.ProjectID, key.UserID); err != nil {
		return err
	}
	if key.TargetID == "" {
		return ValidationError{Field: "target_id", Message: "must not be empty"}
	}
	return nil
}

func checkScope(projectID, userID string) error {
	if projectID == "" {
		return ValidationError{Field: "project_id", Message: "must not be empty"}
	}
	if userID == "" {
		return ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Vote Engine
// ──────────────────────────────────────────────────

// CastVote atomically stores the user's vote on a target and returns the
// value stored immediately before (None if the user had not voted). The
// caller computes the aggregate swing from (previous, value) and applies it
// exactly once per logical user action; see vote.Swing.
func (e *Engine) CastVote(ctx context.Context, projectID, userID, targetID string, value vote.Value) (vote.Value, error) {
	key := types.NewKey(projectID, userID, targetID)
	if err := checkKey(key); err != nil {
		return vote.None, err
	}
	if !value.Valid() {
		return vote.None, fmt.Errorf("%w: vote value %q", ErrInvalidInput, value)
	}

	previous, err := withRetry(ctx, e, func() (vote.Value, error) {
		return e.store.SetVote(ctx, key, value)
	})
	if err != nil {
		return vote.None, err
	}

	e.plugins.EmitVoteCast(ctx, key, previous, value)
	e.logger.Debug("vote cast", "key", key, "previous", previous, "value", value)

	return previous, nil
}

// GetVotes returns the user's votes on the given targets as a map. Targets
// without a vote (or voted back to None) are omitted.
func (e *Engine) GetVotes(ctx context.Context, projectID, userID string, targetIDs []string) (map[string]vote.Value, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, err
	}

	records, err := withRetry(ctx, e, func() ([]*vote.Record, error) {
		return e.store.GetVotes(ctx, projectID, userID, targetIDs)
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]vote.Value, len(records))
	for _, rec := range records {
		result[rec.Key.TargetID] = rec.Value
	}
	return result, nil
}

// ListVotes returns one page of the user's votes, most recently modified
// target first, with a cursor for the next page. An empty cursor starts from
// the top; an empty returned cursor means the listing is exhausted.
func (e *Engine) ListVotes(ctx context.Context, projectID, userID, cursorToken string) ([]*vote.Record, string, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, "", err
	}

	scope := cursor.Scope{ProjectID: projectID, UserID: userID, Kind: cursor.KindVotes}
	opts := vote.ListOpts{Limit: e.pageSize + 1}
	if cursorToken != "" {
		pos, err := e.codec.Decode(cursorToken, scope)
		if err != nil {
			return nil, "", err
		}
		opts.AfterUpdatedAt = pos.UpdatedTime()
		opts.AfterTargetID = pos.TargetID
	}

	records, err := withRetry(ctx, e, func() ([]*vote.Record, error) {
		return e.store.ListVotes(ctx, projectID, userID, opts)
	})
	if err != nil {
		return nil, "", err
	}

	if len(records) <= e.pageSize {
		return records, "", nil
	}

	records = records[:e.pageSize]
	last := records[len(records)-1]
	next, err := e.codec.Encode(scope, cursor.Position{
		UpdatedAt: last.UpdatedAt.UnixNano(),
		TargetID:  last.Key.TargetID,
	})
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

// ──────────────────────────────────────────────────
// Express Engine
// ──────────────────────────────────────────────────

// ExpressSingle replaces the user's entire reaction set on a target with the
// single given expression (exclusive-reaction semantics), or clears the set
// when expression is empty. Returns the set as it was immediately before.
func (e *Engine) ExpressSingle(ctx context.Context, projectID, userID, targetID, expression string) ([]string, error) {
	key := types.NewKey(projectID, userID, targetID)
	if err := checkKey(key); err != nil {
		return nil, err
	}

	previous, err := withRetry(ctx, e, func() ([]string, error) {
		return e.store.SetExpression(ctx, key, expression)
	})
	if err != nil {
		return nil, err
	}

	var next []string
	if expression != "" {
		next = []string{expression}
	}
	e.plugins.EmitExpressed(ctx, key, previous, next)
	e.logger.Debug("expression set", "key", key, "previous", previous, "expression", expression)

	return previous, nil
}

// ExpressAdd unions the given reactions into the user's set on a target,
// returning the set as it was immediately before. Adding present members is
// a storage no-op.
func (e *Engine) ExpressAdd(ctx context.Context, projectID, userID, targetID string, expressions []string) ([]string, error) {
	key := types.NewKey(projectID, userID, targetID)
	if err := checkKey(key); err != nil {
		return nil, err
	}

	previous, err := withRetry(ctx, e, func() ([]string, error) {
		return e.store.AddExpressions(ctx, key, expressions)
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitExpressed(ctx, key, previous, express.Union(previous, expressions))
	e.logger.Debug("expressions added", "key", key, "previous", previous, "added", expressions)

	return previous, nil
}

// ExpressRemove removes the given reactions from the user's set on a target,
// returning the set as it was immediately before. Removing non-members is a
// no-op.
func (e *Engine) ExpressRemove(ctx context.Context, projectID, userID, targetID string, expressions []string) ([]string, error) {
	key := types.NewKey(projectID, userID, targetID)
	if err := checkKey(key); err != nil {
		return nil, err
	}

	previous, err := withRetry(ctx, e, func() ([]string, error) {
		return e.store.RemoveExpressions(ctx, key, expressions)
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitExpressed(ctx, key, previous, express.Difference(previous, expressions))
	e.logger.Debug("expressions removed", "key", key, "previous", previous, "removed", expressions)

	return previous, nil
}

// GetExpressions returns the user's reaction sets on the given targets as a
// map. Targets with no (or an emptied) set are omitted.
func (e *Engine) GetExpressions(ctx context.Context, projectID, userID string, targetIDs []string) (map[string][]string, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, err
	}

	records, err := withRetry(ctx, e, func() ([]*express.Record, error) {
		return e.store.GetExpressions(ctx, projectID, userID, targetIDs)
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string][]string, len(records))
	for _, rec := range records {
		result[rec.Key.TargetID] = rec.Expressions
	}
	return result, nil
}

// ListExpressions returns one page of the user's reaction sets, most
// recently modified target first. Cursor semantics match ListVotes.
func (e *Engine) ListExpressions(ctx context.Context, projectID, userID, cursorToken string) ([]*express.Record, string, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, "", err
	}

	scope := cursor.Scope{ProjectID: projectID, UserID: userID, Kind: cursor.KindExpressions}
	opts := express.ListOpts{Limit: e.pageSize + 1}
	if cursorToken != "" {
		pos, err := e.codec.Decode(cursorToken, scope)
		if err != nil {
			return nil, "", err
		}
		opts.AfterUpdatedAt = pos.UpdatedTime()
		opts.AfterTargetID = pos.TargetID
	}

	records, err := withRetry(ctx, e, func() ([]*express.Record, error) {
		return e.store.ListExpressions(ctx, projectID, userID, opts)
	})
	if err != nil {
		return nil, "", err
	}

	if len(records) <= e.pageSize {
		return records, "", nil
	}

	records = records[:e.pageSize]
	last := records[len(records)-1]
	next, err := e.codec.Encode(scope, cursor.Position{
		UpdatedAt: last.UpdatedAt.UnixNano(),
		TargetID:  last.Key.TargetID,
	})
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

// ──────────────────────────────────────────────────
// Fund Ledger
// ──────────────────────────────────────────────────

// Fund applies a signed funding delta to the user's balance on a target in
// one conditional atomic operation. On success it returns the appended
// ledger transaction and the balance immediately before. A delta that would
// drive the balance negative fails with ErrInsufficientBalance, changing
// nothing. A zero delta is legal and records an audit checkpoint.
func (e *Engine) Fund(ctx context.Context, projectID, userID, targetID string, delta int64, txnType, summary string) (*fund.Transaction, int64, error) {
	key := types.NewKey(projectID, userID, targetID)
	if err := checkKey(key); err != nil {
		return nil, 0, err
	}

	txn := &fund.Transaction{
		ID:        id.NewTransactionID(),
		ProjectID: projectID,
		UserID:    userID,
		TargetID:  targetID,
		Delta:     delta,
		Type:      txnType,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if e.retention > 0 {
		expiry := txn.CreatedAt.Add(e.retention)
		txn.ExpiresAt = &expiry
	}

	previous, err := withRetry(ctx, e, func() (int64, error) {
		return e.store.ApplyFund(ctx, key, txn)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			e.plugins.EmitFundRejected(ctx, key, delta)
		}
		return nil, 0, err
	}

	e.plugins.EmitFunded(ctx, txn, previous)
	e.logger.Debug("fund applied",
		"key", key, "delta", delta, "previous", previous, "balance", txn.BalanceAfter)

	return txn, previous, nil
}

// GetFundBalances returns the user's balances on the given targets. Targets
// never funded are omitted; a fully unfunded target appears with balance 0.
func (e *Engine) GetFundBalances(ctx context.Context, projectID, userID string, targetIDs []string) (map[string]int64, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, err
	}

	records, err := withRetry(ctx, e, func() ([]*fund.Record, error) {
		return e.store.GetFunds(ctx, projectID, userID, targetIDs)
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]int64, len(records))
	for _, rec := range records {
		result[rec.Key.TargetID] = rec.Balance
	}
	return result, nil
}

// ListFunds returns one page of the user's fund records, most recently
// funded target first. Cursor semantics match ListVotes.
func (e *Engine) ListFunds(ctx context.Context, projectID, userID, cursorToken string) ([]*fund.Record, string, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, "", err
	}

	scope := cursor.Scope{ProjectID: projectID, UserID: userID, Kind: cursor.KindFunds}
	opts := fund.ListOpts{Limit: e.pageSize + 1}
	if cursorToken != "" {
		pos, err := e.codec.Decode(cursorToken, scope)
		if err != nil {
			return nil, "", err
		}
		opts.AfterUpdatedAt = pos.UpdatedTime()
		opts.AfterTargetID = pos.TargetID
	}

	records, err := withRetry(ctx, e, func() ([]*fund.Record, error) {
		return e.store.ListFunds(ctx, projectID, userID, opts)
	})
	if err != nil {
		return nil, "", err
	}

	if len(records) <= e.pageSize {
		return records, "", nil
	}

	records = records[:e.pageSize]
	last := records[len(records)-1]
	next, err := e.codec.Encode(scope, cursor.Position{
		UpdatedAt: last.UpdatedAt.UnixNano(),
		TargetID:  last.Key.TargetID,
	})
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

// ListTransactions returns one page of the user's audit ledger, newest
// transaction first, across all targets. Cursor semantics match ListVotes.
func (e *Engine) ListTransactions(ctx context.Context, projectID, userID, cursorToken string) ([]*fund.Transaction, string, error) {
	if err := checkScope(projectID, userID); err != nil {
		return nil, "", err
	}

	scope := cursor.Scope{ProjectID: projectID, UserID: userID, Kind: cursor.KindTransactions}
	opts := fund.TransactionListOpts{Limit: e.pageSize + 1}
	if cursorToken != "" {
		pos, err := e.codec.Decode(cursorToken, scope)
		if err != nil {
			return nil, "", err
		}
		afterID, err := id.ParseTransactionID(pos.TransactionID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCursorDecode, err)
		}
		opts.AfterID = afterID
	}

	txns, err := withRetry(ctx, e, func() ([]*fund.Transaction, error) {
		return e.store.ListTransactions(ctx, projectID, userID, opts)
	})
	if err != nil {
		return nil, "", err
	}

	if len(txns) <= e.pageSize {
		return txns, "", nil
	}

	txns = txns[:e.pageSize]
	last := txns[len(txns)-1]
	next, err := e.codec.Encode(scope, cursor.Position{TransactionID: last.ID.String()})
	if err != nil {
		return nil, "", err
	}
	return txns, next, nil
}

// ──────────────────────────────────────────────────
// Bulk cleanup
// ──────────────────────────────────────────────────

// DeleteTarget removes every user's engagement rows for a target within a
// project. Ledger history is kept.
func (e *Engine) DeleteTarget(ctx context.Context, projectID, targetID string) error {
	if projectID == "" || targetID == "" {
		return fmt.Errorf("%w: missing project or target id", ErrInvalidInput)
	}

	if err := e.store.DeleteTarget(ctx, projectID, targetID); err != nil {
		return err
	}
	e.logger.Info("target engagement deleted", "project", projectID, "target", targetID)
	return nil
}

// DeleteUser removes a user's engagement rows and ledger history within a
// project (explicit bulk purge).
func (e *Engine) DeleteUser(ctx context.Context, projectID, userID string) error {
	if err := checkScope(projectID, userID); err != nil {
		return err
	}

	if err := e.store.DeleteUser(ctx, projectID, userID); err != nil {
		return err
	}
	e.logger.Info("user engagement deleted", "project", projectID, "user", userID)
	return nil
}

// ──────────────────────────────────────────────────
// Background workers
// ──────────────────────────────────────────────────

// purgeWorker removes expired ledger transactions on a fixed interval.
func (e *Engine) purgeWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := e.store.PurgeTransactions(ctx, time.Now().UTC())
			if err != nil {
				e.logger.Error("transaction purge failed", "error", err)
				continue
			}
			if purged > 0 {
				e.logger.Info("expired transactions purged", "count", purged)
			}
		}
	}
}
