package mongo

import (
	"time"

	"github.com/xraph/engage/express"
	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/id"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

// ==================== Vote models ====================

type voteModel struct {
	ProjectID string    `bson:"project_id"`
	UserID    string    `bson:"user_id"`
	TargetID  string    `bson:"target_id"`
	Value     string    `bson:"value"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromVoteModel(m *voteModel) *vote.Record {
	return &vote.Record{
		Entity: types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Key:    types.NewKey(m.ProjectID, m.UserID, m.TargetID),
		Value:  vote.Value(m.Value),
	}
}

// ==================== Express models ====================

type expressModel struct {
	ProjectID   string    `bson:"project_id"`
	UserID      string    `bson:"user_id"`
	TargetID    string    `bson:"target_id"`
	Expressions []string  `bson:"expressions"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func fromExpressModel(m *expressModel) *express.Record {
	return &express.Record{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Key:         types.NewKey(m.ProjectID, m.UserID, m.TargetID),
		Expressions: express.Normalize(m.Expressions),
	}
}

// ==================== Fund models ====================

type fundModel struct {
	ProjectID string    `bson:"project_id"`
	UserID    string    `bson:"user_id"`
	TargetID  string    `bson:"target_id"`
	Balance   int64     `bson:"balance"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromFundModel(m *fundModel) *fund.Record {
	return &fund.Record{
		Entity:  types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Key:     types.NewKey(m.ProjectID, m.UserID, m.TargetID),
		Balance: m.Balance,
	}
}

// transactionModel uses the transaction's TypeID string as the document _id:
// unique, and its lexicographic order is per-user creation order.
type transactionModel struct {
	ID           string     `bson:"_id"`
	ProjectID    string     `bson:"project_id"`
	UserID       string     `bson:"user_id"`
	TargetID     string     `bson:"target_id"`
	Delta        int64      `bson:"delta"`
	BalanceAfter int64      `bson:"balance_after"`
	Type         string     `bson:"type"`
	Summary      string     `bson:"summary,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	ExpiresAt    *time.Time `bson:"expires_at,omitempty"`
}

func toTransactionModel(t *fund.Transaction) *transactionModel {
	return &transactionModel{
		ID:           t.ID.String(),
		ProjectID:    t.ProjectID,
		UserID:       t.UserID,
		TargetID:     t.TargetID,
		Delta:        t.Delta,
		BalanceAfter: t.BalanceAfter,
		Type:         t.Type,
		Summary:      t.Summary,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
	}
}

func fromTransactionModel(m *transactionModel) (*fund.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &fund.Transaction{
		ID:           txnID,
		ProjectID:    m.ProjectID,
		UserID:       m.UserID,
		TargetID:     m.TargetID,
		Delta:        m.Delta,
		BalanceAfter: m.BalanceAfter,
		Type:         m.Type,
		Summary:      m.Summary,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
	}, nil
}
