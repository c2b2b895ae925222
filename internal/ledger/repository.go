package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// balanceSQL derives a user's balance from completed entries. $1 is the user id.
// Payments the user sent are not subtracted.
const balanceSQL = `
	SELECT COALESCE((SELECT SUM(amount) FROM payments WHERE recipient_id = $1 AND status = 'completed'), 0)
	     - COALESCE((SELECT SUM(amount) FROM transactions
	                 WHERE user_id = $1 AND transaction_type = 'withdrawal' AND status = 'completed'), 0)`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Balance computes the user's balance on demand. Nothing is cached.
func (r *Repository) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var bal decimal.Decimal
	if err := r.pool.QueryRow(ctx, balanceSQL, userID).Scan(&bal); err != nil {
		return decimal.Zero, err
	}
	return bal, nil
}

// Withdraw runs in its own transaction. It:
// a) Serializes withdrawals per user with a transaction-scoped advisory lock
// b) Inserts the withdrawal row only if the derived balance covers it (atomic INSERT ... SELECT ... WHERE)
// c) Inserts the remaining rows (the fee entry)
// d) Runs afterWrite in the same transaction (outbox enqueue) and commits
// Zero rows from (b) returns ErrInsufficientFunds and writes nothing.
func (r *Repository) Withdraw(ctx context.Context, w *Withdrawal, afterWrite func(ctx context.Context, tx pgx.Tx) error) error {
	if len(w.Transactions) == 0 {
		return fmt.Errorf("%w: withdrawal has no entries", models.ErrValidation)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('ledger:withdraw:' || $1::bigint, 0))`, w.UserID); err != nil {
		return err
	}

	head := w.Transactions[0]
	tag, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, amount, currency, transaction_type, status, reference_id, description)
		SELECT $2::uuid, $1::bigint, $3::numeric, $4::text, $5::text, $6::text, $7::text, $8::text
		WHERE (`+balanceSQL+`) >= $3::numeric
	`, w.UserID, head.ID, head.Amount, head.Currency, head.TransactionType, head.Status, head.ReferenceID, head.Description)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInsufficientFunds
	}
	for _, t := range w.Transactions[1:] {
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (id, user_id, amount, currency, transaction_type, status, reference_id, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, t.ID, t.UserID, t.Amount, t.Currency, t.TransactionType, t.Status, t.ReferenceID, t.Description); err != nil {
			return err
		}
	}
	if err := tx.QueryRow(ctx, balanceSQL, w.UserID).Scan(&w.BalanceAfter); err != nil {
		return err
	}
	if afterWrite != nil {
		if err := afterWrite(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Payments returns payments the user sent or received, newest first.
func (r *Repository) Payments(ctx context.Context, userID int64) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, amount, currency, sender_id, recipient_id, task_id, escrow_id, status, payment_type, description, created_at
		FROM payments WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.Amount, &p.Currency, &p.SenderID, &p.RecipientID, &p.TaskID, &p.EscrowID,
			&p.Status, &p.PaymentType, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

// Transactions returns the user's transactions, newest first.
func (r *Repository) Transactions(ctx context.Context, userID int64) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, currency, transaction_type, status, reference_id, description, created_at
		FROM transactions WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Currency, &t.TransactionType, &t.Status,
			&t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
