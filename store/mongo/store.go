// Package mongo implements the Engage store on MongoDB.
//
// MongoDB's findAndModify is the atomic swap-and-return-previous primitive
// every mutation here rides on: one round trip applies the update and hands
// back the document as it was immediately before. The fund ledger's
// non-negativity check is a filter on the same conditional update, so no
// separate read exists to race against.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/xraph/engage"
	"github.com/xraph/engage/express"
	"github.com/xraph/engage/fund"
	engagestore "github.com/xraph/engage/store"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// Collection name constants.
const (
	colVotes        = "engage_votes"
	colExpressions  = "engage_expressions"
	colFunds        = "engage_funds"
	colTransactions = "engage_transactions"
)

// compile-time interface check
var _ engagestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a new MongoDB store on the given database.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func keyFilter(key types.Key) bson.M {
	return bson.M{
		"project_id": key.ProjectID,
		"user_id":    key.UserID,
		"target_id":  key.TargetID,
	}
}

func scopeFilter(projectID, userID string) bson.M {
	return bson.M{"project_id": projectID, "user_id": userID}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// upsertRace maps the duplicate-key error two concurrent first writers can
// produce on the unique key index to ErrConditionFailed: the losing upsert
// can be retried from scratch.
func upsertRace(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", engage.ErrConditionFailed, err)
	}
	return nil
}

// ==================== Vote Store ====================

func (s *Store) SetVote(ctx context.Context, key types.Key, value vote.Value) (vote.Value, error) {
	if !value.Valid() {
		return vote.None, engage.ErrInvalidInput
	}

	now := time.Now().UTC()
	update := bson.M{
		"$set":         bson.M{"value": string(value), "updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if value != vote.None {
		// Setting None on an absent key stays absent: absence means None.
		opts = opts.SetUpsert(true)
	}

	var m voteModel
	err := s.col(colVotes).FindOneAndUpdate(ctx, keyFilter(key), update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return vote.None, nil
		}
		if raceErr := upsertRace(err); raceErr != nil {
			return vote.None, raceErr
		}
		return vote.None, fmt.Errorf("engage/mongo: set vote: %w", err)
	}
	return vote.Value(m.Value), nil
}

func (s *Store) GetVotes(ctx context.Context, projectID, userID string, targetIDs []string) ([]*vote.Record, error) {
	filter := scopeFilter(projectID, userID)
	filter["target_id"] = bson.M{"$in": targetIDs}
	filter["value"] = bson.M{"$ne": string(vote.None)}

	cur, err := s.col(colVotes).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: get votes: %w", err)
	}

	var models []voteModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("engage/mongo: get votes: %w", err)
	}

	result := make([]*vote.Record, len(models))
	for i := range models {
		result[i] = fromVoteModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListVotes(ctx context.Context, projectID, userID string, opts vote.ListOpts) ([]*vote.Record, error) {
	filter := scopeFilter(projectID, userID)
	filter["value"] = bson.M{"$ne": string(vote.None)}
	applyResume(filter, opts.AfterUpdatedAt, opts.AfterTargetID)

	models, err := findRecent[voteModel](ctx, s.col(colVotes), filter, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: list votes: %w", err)
	}

	result := make([]*vote.Record, len(models))
	for i := range models {
		result[i] = fromVoteModel(&models[i])
	}
	return result, nil
}

// ==================== Express Store ====================

func (s *Store) SetExpression(ctx context.Context, key types.Key, expression string) ([]string, error) {
	next := []string{}
	if expression != "" {
		next = []string{expression}
	}

	now := time.Now().UTC()
	update := bson.M{
		"$set":         bson.M{"expressions": next, "updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if len(next) > 0 {
		opts = opts.SetUpsert(true)
	}

	var m expressModel
	err := s.col(colExpressions).FindOneAndUpdate(ctx, keyFilter(key), update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		if raceErr := upsertRace(err); raceErr != nil {
			return nil, raceErr
		}
		return nil, fmt.Errorf("engage/mongo: set expression: %w", err)
	}
	return express.Normalize(m.Expressions), nil
}

func (s *Store) AddExpressions(ctx context.Context, key types.Key, expressions []string) ([]string, error) {
	expressions = express.Normalize(expressions)
	if len(expressions) == 0 {
		// Nothing to add; report the current set without writing.
		return s.currentExpressions(ctx, key)
	}

	now := time.Now().UTC()
	update := bson.M{
		"$addToSet":    bson.M{"expressions": bson.M{"$each": expressions}},
		"$set":         bson.M{"updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var m expressModel
	err := s.col(colExpressions).FindOneAndUpdate(ctx, keyFilter(key), update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		if raceErr := upsertRace(err); raceErr != nil {
			return nil, raceErr
		}
		return nil, fmt.Errorf("engage/mongo: add expressions: %w", err)
	}
	return express.Normalize(m.Expressions), nil
}

func (s *Store) RemoveExpressions(ctx context.Context, key types.Key, expressions []string) ([]string, error) {
	expressions = express.Normalize(expressions)
	if len(expressions) == 0 {
		return s.currentExpressions(ctx, key)
	}

	now := time.Now().UTC()
	update := bson.M{
		"$pullAll": bson.M{"expressions": expressions},
		"$set":     bson.M{"updated_at": now},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var m expressModel
	err := s.col(colExpressions).FindOneAndUpdate(ctx, keyFilter(key), update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			// Removing from an absent set is a no-op.
			return nil, nil
		}
		return nil, fmt.Errorf("engage/mongo: remove expressions: %w", err)
	}
	return express.Normalize(m.Expressions), nil
}

func (s *Store) currentExpressions(ctx context.Context, key types.Key) ([]string, error) {
	var m expressModel
	err := s.col(colExpressions).FindOne(ctx, keyFilter(key)).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("engage/mongo: read expressions: %w", err)
	}
	return express.Normalize(m.Expressions), nil
}

func (s *Store) GetExpressions(ctx context.Context, projectID, userID string, targetIDs []string) ([]*express.Record, error) {
	filter := scopeFilter(projectID, userID)
	filter["target_id"] = bson.M{"$in": targetIDs}
	filter["expressions.0"] = bson.M{"$exists": true}

	cur, err := s.col(colExpressions).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: get expressions: %w", err)
	}

	var models []expressModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("engage/mongo: get expressions: %w", err)
	}

	result := make([]*express.Record, len(models))
	for i := range models {
		result[i] = fromExpressModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListExpressions(ctx context.Context, projectID, userID string, opts express.ListOpts) ([]*express.Record, error) {
	filter := scopeFilter(projectID, userID)
	filter["expressions.0"] = bson.M{"$exists": true}
	applyResume(filter, opts.AfterUpdatedAt, opts.AfterTargetID)

	models, err := findRecent[expressModel](ctx, s.col(colExpressions), filter, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: list expressions: %w", err)
	}

	result := make([]*express.Record, len(models))
	for i := range models {
		result[i] = fromExpressModel(&models[i])
	}
	return result, nil
}

// ==================== Fund Store ====================

func (s *Store) ApplyFund(ctx context.Context, key types.Key, txn *fund.Transaction) (int64, error) {
	now := time.Now().UTC()

	filter := keyFilter(key)
	update := bson.M{
		"$inc":         bson.M{"balance": txn.Delta},
		"$set":         bson.M{"updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	if txn.Delta < 0 {
		// The non-negativity check rides on the update's filter. An absent
		// record has balance 0 and can never satisfy this, which is correct.
		filter["balance"] = bson.M{"$gte": -txn.Delta}
	} else {
		opts = opts.SetUpsert(true)
	}

	var prev int64
	var m fundModel
	err := s.col(colFunds).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	switch {
	case err == nil:
		prev = m.Balance
	case isNoDocuments(err) && txn.Delta >= 0:
		prev = 0 // upserted fresh record
	case isNoDocuments(err):
		return 0, engage.ErrInsufficientBalance
	default:
		if raceErr := upsertRace(err); raceErr != nil {
			return 0, raceErr
		}
		return 0, fmt.Errorf("engage/mongo: apply fund: %w", err)
	}

	// The balance update above is the gate; the ledger append follows it.
	// See the fund.Store contract for the atomicity trade-off.
	txn.BalanceAfter = prev + txn.Delta
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if _, err := s.col(colTransactions).InsertOne(ctx, toTransactionModel(txn)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, engage.ErrTransactionExists
		}
		return 0, fmt.Errorf("engage/mongo: append transaction: %w", err)
	}

	return prev, nil
}

func (s *Store) GetFunds(ctx context.Context, projectID, userID string, targetIDs []string) ([]*fund.Record, error) {
	filter := scopeFilter(projectID, userID)
	filter["target_id"] = bson.M{"$in": targetIDs}

	cur, err := s.col(colFunds).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: get funds: %w", err)
	}

	var models []fundModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("engage/mongo: get funds: %w", err)
	}

	result := make([]*fund.Record, len(models))
	for i := range models {
		result[i] = fromFundModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListFunds(ctx context.Context, projectID, userID string, opts fund.ListOpts) ([]*fund.Record, error) {
	filter := scopeFilter(projectID, userID)
	applyResume(filter, opts.AfterUpdatedAt, opts.AfterTargetID)

	models, err := findRecent[fundModel](ctx, s.col(colFunds), filter, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: list funds: %w", err)
	}

	result := make([]*fund.Record, len(models))
	for i := range models {
		result[i] = fromFundModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListTransactions(ctx context.Context, projectID, userID string, opts fund.TransactionListOpts) ([]*fund.Transaction, error) {
	filter := scopeFilter(projectID, userID)
	if !opts.AfterID.IsNil() {
		filter["_id"] = bson.M{"$lt": opts.AfterID.String()}
	}

	q := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.SetLimit(int64(opts.Limit))
	}

	cur, err := s.col(colTransactions).Find(ctx, filter, q)
	if err != nil {
		return nil, fmt.Errorf("engage/mongo: list transactions: %w", err)
	}

	var models []transactionModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("engage/mongo: list transactions: %w", err)
	}

	result := make([]*fund.Transaction, len(models))
	for i := range models {
		txn, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("engage/mongo: list transactions: %w", err)
		}
		result[i] = txn
	}
	return result, nil
}

func (s *Store) PurgeTransactions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.col(colTransactions).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("engage/mongo: purge transactions: %w", err)
	}
	return res.DeletedCount, nil
}

// ==================== Bulk cleanup ====================

func (s *Store) DeleteTarget(ctx context.Context, projectID, targetID string) error {
	filter := bson.M{"project_id": projectID, "target_id": targetID}
	for _, col := range []string{colVotes, colExpressions, colFunds} {
		if _, err := s.col(col).DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("engage/mongo: delete target from %s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, projectID, userID string) error {
	filter := scopeFilter(projectID, userID)
	for _, col := range []string{colVotes, colExpressions, colFunds, colTransactions} {
		if _, err := s.col(col).DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("engage/mongo: delete user from %s: %w", col, err)
		}
	}
	return nil
}

// ==================== Core methods ====================

// Migrate creates indexes for all engage collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("engage/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func migrationIndexes() map[string][]mongo.IndexModel {
	keyUnique := mongo.IndexModel{
		Keys: bson.D{
			{Key: "project_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "target_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	recentFirst := mongo.IndexModel{
		Keys: bson.D{
			{Key: "project_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "updated_at", Value: -1},
			{Key: "target_id", Value: -1},
		},
	}
	rowIndexes := []mongo.IndexModel{keyUnique, recentFirst}

	return map[string][]mongo.IndexModel{
		colVotes:       rowIndexes,
		colExpressions: rowIndexes,
		colFunds:       rowIndexes,
		colTransactions: {
			{
				Keys: bson.D{
					{Key: "project_id", Value: 1},
					{Key: "user_id", Value: 1},
					{Key: "_id", Value: -1},
				},
			},
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Listing helpers ====================

// applyResume narrows filter to rows strictly after the resume position in
// the newest-first (updated_at desc, target_id desc) ordering.
func applyResume(filter bson.M, afterUpdatedAt time.Time, afterTargetID string) {
	if afterUpdatedAt.IsZero() {
		return
	}
	filter["$or"] = bson.A{
		bson.M{"updated_at": bson.M{"$lt": afterUpdatedAt}},
		bson.M{"updated_at": afterUpdatedAt, "target_id": bson.M{"$lt": afterTargetID}},
	}
}

func findRecent[T any](ctx context.Context, col *mongo.Collection, filter bson.M, limit int) ([]T, error) {
	q := options.Find().SetSort(bson.D{
		{Key: "updated_at", Value: -1},
		{Key: "target_id", Value: -1},
	})
	if limit > 0 {
		q = q.SetLimit(int64(limit))
	}

	cur, err := col.Find(ctx, filter, q)
	if err != nil {
		return nil, err
	}

	var models []T
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	return models, nil
}
