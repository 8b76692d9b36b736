package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// User is one billing account. Accounts are resolved by the key id the
// verification service attaches to authenticated requests.
type User struct {
	ID            string
	UnkeyID       string
	Email         string
	CreditBalance float64
	CreatedAt     time.Time
}

// UsageTransaction is one append-only ledger row charging a user for a
// completed bot call. Amount is negative USD.
type UsageTransaction struct {
	ID               string
	UserID           string
	Amount           float64
	Type             string
	DurationS        float64
	LPLCost          float64
	WorkflowThreadID string
	BotID            string
	RoomName         string
	CreatedAt        time.Time
}

// GetUserByUnkeyID resolves a billing account from an API key id.
func (s *Store) GetUserByUnkeyID(ctx context.Context, unkeyID string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, unkey_id, email, credit_balance, created_at FROM users WHERE unkey_id = $1`,
		unkeyID)
	var u User
	if err := row.Scan(&u.ID, &u.UnkeyID, &u.Email, &u.CreditBalance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read user: %w", err)
	}
	u.Email = s.decrypt(u.Email)
	return &u, nil
}

// CreateUser inserts a billing account. Used by provisioning and tests.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	email, err := s.encrypt(u.Email)
	if err != nil {
		return fmt.Errorf("store: encrypt email: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, unkey_id, email, credit_balance) VALUES ($1, $2, $3, $4)`,
		u.ID, u.UnkeyID, email, u.CreditBalance); err != nil {
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// CreateUsageTransaction inserts the ledger row and debits the user's balance
// in one transaction. The unique index on metadata.workflow_thread_id makes
// duplicate creation attempts a no-op: created reports whether this call won
// the insert. The debit only happens on the winning call, so a thread is
// charged at most once no matter how many finalizers race.
func (s *Store) CreateUsageTransaction(ctx context.Context, txn *UsageTransaction) (created bool, err error) {
	if txn.WorkflowThreadID == "" {
		return false, errors.New("store: workflow thread id required")
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Type == "" {
		txn.Type = "usage_burn"
	}
	metadata := map[string]any{
		"workflow_thread_id": txn.WorkflowThreadID,
		"bot_id":             txn.BotID,
		"room_name":          txn.RoomName,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin transaction insert: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO usage_transactions (id, user_id, amount, type, duration_s, lpl_cost, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ((metadata->>'workflow_thread_id')) DO NOTHING`,
		txn.ID, txn.UserID, txn.Amount, txn.Type, txn.DurationS, txn.LPLCost, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert usage transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credit_balance = credit_balance - $2 WHERE id = $1`,
		txn.UserID, math.Abs(txn.Amount)); err != nil {
		return false, fmt.Errorf("store: debit user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit usage transaction: %w", err)
	}
	return true, nil
}

// GetUsageTransactionByThread returns the ledger row for a workflow thread.
func (s *Store) GetUsageTransactionByThread(ctx context.Context, threadID string) (*UsageTransaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, amount, type, duration_s, lpl_cost,
		       metadata->>'workflow_thread_id', metadata->>'bot_id', metadata->>'room_name', created_at
		FROM usage_transactions
		WHERE metadata->>'workflow_thread_id' = $1`, threadID)
	var txn UsageTransaction
	if err := row.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.Type, &txn.DurationS, &txn.LPLCost,
		&txn.WorkflowThreadID, &txn.BotID, &txn.RoomName, &txn.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read usage transaction: %w", err)
	}
	return &txn, nil
}
