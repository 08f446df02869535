// Package postgres implements the Engage store on PostgreSQL via pgx.
//
// Atomicity here comes from short single-key transactions: each mutation
// takes an advisory lock on the key, reads the current row (FOR UPDATE),
// computes the next state, and upserts, so the previous state returned to the
// caller is exactly what was stored when the mutation serialized. The
// advisory lock covers the case the row lock cannot: two first writers on a
// key that has no row yet. The fund ledger's balance update and transaction
// append commit together, which gives this backend true multi-row atomicity.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/engage"
	"github.com/xraph/engage/express"
	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/id"
	engagestore "github.com/xraph/engage/store"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// compile-time interface check
var _ engagestore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect creates a pool from a connection string and wraps it in a Store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: connect: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isCheckViolation reports a CHECK constraint failure (SQLSTATE 23514),
// the database-level backstop for the non-negative balance invariant.
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

// isUniqueViolation reports a unique constraint failure (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isLockContention reports a serialization failure or deadlock (SQLSTATE
// 40001, 40P01). The whole transaction can be retried from scratch.
func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withKeyTx runs fn inside a transaction holding an advisory lock on the key.
// FOR UPDATE alone cannot serialize two first writers on the same key (there
// is no row to lock yet, so both would read "absent" and the second upsert
// would overwrite the first); the advisory lock makes the read-compute-upsert
// cycle atomic for absent rows too. Commit happens iff fn returns nil.
func (s *Store) withKeyTx(ctx context.Context, key types.Key, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("engage/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String())
	if err != nil {
		return fmt.Errorf("engage/postgres: lock key: %w", err)
	}

	if err := fn(tx); err != nil {
		if isLockContention(err) {
			return fmt.Errorf("%w: %v", engage.ErrConditionFailed, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isLockContention(err) {
			return fmt.Errorf("%w: %v", engage.ErrConditionFailed, err)
		}
		return fmt.Errorf("engage/postgres: commit: %w", err)
	}
	return nil
}

// ==================== Vote Store ====================

func (s *Store) SetVote(ctx context.Context, key types.Key, value vote.Value) (vote.Value, error) {
	if !value.Valid() {
		return vote.None, engage.ErrInvalidInput
	}

	prev := vote.None
	err := s.withKeyTx(ctx, key, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `
SELECT value FROM engage_votes
WHERE project_id = $1 AND user_id = $2 AND target_id = $3
FOR UPDATE`,
			key.ProjectID, key.UserID, key.TargetID).Scan(&current)
		switch {
		case isNoRows(err):
			if value == vote.None {
				// Absence already means None; nothing to record.
				return nil
			}
		case err != nil:
			return fmt.Errorf("engage/postgres: set vote: %w", err)
		default:
			prev = vote.Value(current)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO engage_votes (project_id, user_id, target_id, value, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
ON CONFLICT (project_id, user_id, target_id)
DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			key.ProjectID, key.UserID, key.TargetID, string(value))
		if err != nil {
			return fmt.Errorf("engage/postgres: set vote: %w", err)
		}
		return nil
	})
	if err != nil {
		return vote.None, err
	}
	return prev, nil
}

func (s *Store) GetVotes(ctx context.Context, projectID, userID string, targetIDs []string) ([]*vote.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT target_id, value, created_at, updated_at FROM engage_votes
WHERE project_id = $1 AND user_id = $2 AND target_id = ANY($3) AND value <> 'none'`,
		projectID, userID, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: get votes: %w", err)
	}
	defer rows.Close()

	return scanVotes(rows, projectID, userID)
}

func (s *Store) ListVotes(ctx context.Context, projectID, userID string, opts vote.ListOpts) ([]*vote.Record, error) {
	query, args := recentQuery(
		`SELECT target_id, value, created_at, updated_at FROM engage_votes
WHERE project_id = $1 AND user_id = $2 AND value <> 'none'`,
		projectID, userID, opts.AfterUpdatedAt, opts.AfterTargetID, opts.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: list votes: %w", err)
	}
	defer rows.Close()

	return scanVotes(rows, projectID, userID)
}

func scanVotes(rows pgx.Rows, projectID, userID string) ([]*vote.Record, error) {
	var result []*vote.Record
	for rows.Next() {
		var (
			target, value        string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&target, &value, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("engage/postgres: scan vote: %w", err)
		}
		result = append(result, &vote.Record{
			Entity: types.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
			Key:    types.NewKey(projectID, userID, target),
			Value:  vote.Value(value),
		})
	}
	return result, rows.Err()
}

// ==================== Express Store ====================

func (s *Store) SetExpression(ctx context.Context, key types.Key, expression string) ([]string, error) {
	var next []string
	if expression != "" {
		next = []string{expression}
	}
	return s.mutateExpressions(ctx, key, func([]string) []string { return next })
}

func (s *Store) AddExpressions(ctx context.Context, key types.Key, expressions []string) ([]string, error) {
	return s.mutateExpressions(ctx, key, func(current []string) []string {
		return express.Union(current, expressions)
	})
}

func (s *Store) RemoveExpressions(ctx context.Context, key types.Key, expressions []string) ([]string, error) {
	return s.mutateExpressions(ctx, key, func(current []string) []string {
		return express.Difference(current, expressions)
	})
}

// mutateExpressions locks the row, applies fn, and upserts the result. A
// record is only created when the resulting set is non-empty; an existing
// record that empties stays as an empty-set row.
func (s *Store) mutateExpressions(ctx context.Context, key types.Key, fn func(current []string) []string) ([]string, error) {
	var prev []string
	err := s.withKeyTx(ctx, key, func(tx pgx.Tx) error {
		var current []string
		exists := true
		err := tx.QueryRow(ctx, `
SELECT expressions FROM engage_expressions
WHERE project_id = $1 AND user_id = $2 AND target_id = $3
FOR UPDATE`,
			key.ProjectID, key.UserID, key.TargetID).Scan(&current)
		switch {
		case isNoRows(err):
			exists = false
		case err != nil:
			return fmt.Errorf("engage/postgres: read expressions: %w", err)
		}

		prev = express.Normalize(current)
		next := fn(prev)
		if !exists && len(next) == 0 {
			return nil
		}

		if next == nil {
			next = []string{} // TEXT[] column is NOT NULL
		}
		_, err = tx.Exec(ctx, `
INSERT INTO engage_expressions (project_id, user_id, target_id, expressions, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
ON CONFLICT (project_id, user_id, target_id)
DO UPDATE SET expressions = EXCLUDED.expressions, updated_at = EXCLUDED.updated_at`,
			key.ProjectID, key.UserID, key.TargetID, next)
		if err != nil {
			return fmt.Errorf("engage/postgres: write expressions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Store) GetExpressions(ctx context.Context, projectID, userID string, targetIDs []string) ([]*express.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT target_id, expressions, created_at, updated_at FROM engage_expressions
WHERE project_id = $1 AND user_id = $2 AND target_id = ANY($3) AND cardinality(expressions) > 0`,
		projectID, userID, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: get expressions: %w", err)
	}
	defer rows.Close()

	return scanExpressions(rows, projectID, userID)
}

func (s *Store) ListExpressions(ctx context.Context, projectID, userID string, opts express.ListOpts) ([]*express.Record, error) {
	query, args := recentQuery(
		`SELECT target_id, expressions, created_at, updated_at FROM engage_expressions
WHERE project_id = $1 AND user_id = $2 AND cardinality(expressions) > 0`,
		projectID, userID, opts.AfterUpdatedAt, opts.AfterTargetID, opts.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: list expressions: %w", err)
	}
	defer rows.Close()

	return scanExpressions(rows, projectID, userID)
}

func scanExpressions(rows pgx.Rows, projectID, userID string) ([]*express.Record, error) {
	var result []*express.Record
	for rows.Next() {
		var (
			target               string
			expressions          []string
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&target, &expressions, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("engage/postgres: scan expressions: %w", err)
		}
		result = append(result, &express.Record{
			Entity:      types.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
			Key:         types.NewKey(projectID, userID, target),
			Expressions: express.Normalize(expressions),
		})
	}
	return result, rows.Err()
}

// ==================== Fund Store ====================

func (s *Store) ApplyFund(ctx context.Context, key types.Key, txn *fund.Transaction) (int64, error) {
	var prev int64
	err := s.withKeyTx(ctx, key, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
SELECT balance FROM engage_funds
WHERE project_id = $1 AND user_id = $2 AND target_id = $3
FOR UPDATE`,
			key.ProjectID, key.UserID, key.TargetID).Scan(&prev)
		switch {
		case isNoRows(err):
			prev = 0
		case err != nil:
			return fmt.Errorf("engage/postgres: read balance: %w", err)
		}

		if prev+txn.Delta < 0 {
			return engage.ErrInsufficientBalance
		}
		txn.BalanceAfter = prev + txn.Delta
		if txn.CreatedAt.IsZero() {
			txn.CreatedAt = time.Now().UTC()
		}

		_, err = tx.Exec(ctx, `
INSERT INTO engage_funds (project_id, user_id, target_id, balance, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
ON CONFLICT (project_id, user_id, target_id)
DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
			key.ProjectID, key.UserID, key.TargetID, txn.BalanceAfter)
		if err != nil {
			if isCheckViolation(err) {
				return engage.ErrInsufficientBalance
			}
			return fmt.Errorf("engage/postgres: write balance: %w", err)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO engage_transactions (id, project_id, user_id, target_id, delta, balance_after, type, summary, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			txn.ID.String(), txn.ProjectID, txn.UserID, txn.TargetID,
			txn.Delta, txn.BalanceAfter, txn.Type, txn.Summary, txn.CreatedAt, txn.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return engage.ErrTransactionExists
			}
			return fmt.Errorf("engage/postgres: append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return prev, nil
}

func (s *Store) GetFunds(ctx context.Context, projectID, userID string, targetIDs []string) ([]*fund.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT target_id, balance, created_at, updated_at FROM engage_funds
WHERE project_id = $1 AND user_id = $2 AND target_id = ANY($3)`,
		projectID, userID, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: get funds: %w", err)
	}
	defer rows.Close()

	return scanFunds(rows, projectID, userID)
}

func (s *Store) ListFunds(ctx context.Context, projectID, userID string, opts fund.ListOpts) ([]*fund.Record, error) {
	query, args := recentQuery(
		`SELECT target_id, balance, created_at, updated_at FROM engage_funds
WHERE project_id = $1 AND user_id = $2`,
		projectID, userID, opts.AfterUpdatedAt, opts.AfterTargetID, opts.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: list funds: %w", err)
	}
	defer rows.Close()

	return scanFunds(rows, projectID, userID)
}

func scanFunds(rows pgx.Rows, projectID, userID string) ([]*fund.Record, error) {
	var result []*fund.Record
	for rows.Next() {
		var (
			target               string
			balance              int64
			createdAt, updatedAt time.Time
		)
		if err := rows.Scan(&target, &balance, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("engage/postgres: scan fund: %w", err)
		}
		result = append(result, &fund.Record{
			Entity:  types.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
			Key:     types.NewKey(projectID, userID, target),
			Balance: balance,
		})
	}
	return result, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, projectID, userID string, opts fund.TransactionListOpts) ([]*fund.Transaction, error) {
	query := `
SELECT id, target_id, delta, balance_after, type, summary, created_at, expires_at
FROM engage_transactions
WHERE project_id = $1 AND user_id = $2`
	args := []any{projectID, userID}

	if !opts.AfterID.IsNil() {
		args = append(args, opts.AfterID.String())
		query += fmt.Sprintf(" AND id < $%d", len(args))
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engage/postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var result []*fund.Transaction
	for rows.Next() {
		var (
			rawID, target, typ, summary string
			delta, balanceAfter         int64
			createdAt                   time.Time
			expiresAt                   *time.Time
		)
		if err := rows.Scan(&rawID, &target, &delta, &balanceAfter, &typ, &summary, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("engage/postgres: scan transaction: %w", err)
		}
		txnID, err := id.ParseTransactionID(rawID)
		if err != nil {
			return nil, fmt.Errorf("engage/postgres: scan transaction: %w", err)
		}
		result = append(result, &fund.Transaction{
			ID:           txnID,
			ProjectID:    projectID,
			UserID:       userID,
			TargetID:     target,
			Delta:        delta,
			BalanceAfter: balanceAfter,
			Type:         typ,
			Summary:      summary,
			CreatedAt:    createdAt,
			ExpiresAt:    expiresAt,
		})
	}
	return result, rows.Err()
}

func (s *Store) PurgeTransactions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM engage_transactions WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("engage/postgres: purge transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ==================== Bulk cleanup ====================

func (s *Store) DeleteTarget(ctx context.Context, projectID, targetID string) error {
	for _, table := range []string{"engage_votes", "engage_expressions", "engage_funds"} {
		_, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE project_id = $1 AND target_id = $2`, table),
			projectID, targetID)
		if err != nil {
			return fmt.Errorf("engage/postgres: delete target from %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, projectID, userID string) error {
	for _, table := range []string{"engage_votes", "engage_expressions", "engage_funds", "engage_transactions"} {
		_, err := s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE project_id = $1 AND user_id = $2`, table),
			projectID, userID)
		if err != nil {
			return fmt.Errorf("engage/postgres: delete user from %s: %w", table, err)
		}
	}
	return nil
}

// ==================== Core methods ====================

// Migrate applies the DDL in Migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range Migrations {
		if _, err := s.pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("engage/postgres: migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Listing helpers ====================

// recentQuery appends the resume predicate, newest-first ordering, and limit
// shared by the three record listings.
func recentQuery(base, projectID, userID string, afterUpdatedAt time.Time, afterTargetID string, limit int) (string, []any) {
	args := []any{projectID, userID}

	if !afterUpdatedAt.IsZero() {
		args = append(args, afterUpdatedAt, afterTargetID)
		base += fmt.Sprintf(`
  AND (updated_at < $%d OR (updated_at = $%d AND target_id < $%d))`,
			len(args)-1, len(args)-1, len(args))
	}

	base += "\nORDER BY updated_at DESC, target_id DESC"
	if limit > 0 {
		args = append(args, limit)
		base += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return base, args
}
