package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taras-bel/freelance/backend/internal/models"
)

const invoiceColumns = `id, invoice_number, payment_id, task_id, issuer_id, recipient_id, amount, currency, status,
	description, due_date, paid_at, created_at, updated_at`

type InvoiceRepo struct {
	pool *pgxpool.Pool
}

func NewInvoiceRepo(pool *pgxpool.Pool) *InvoiceRepo {
	return &InvoiceRepo{pool: pool}
}

func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var i models.Invoice
	err := row.Scan(&i.ID, &i.InvoiceNumber, &i.PaymentID, &i.TaskID, &i.IssuerID, &i.RecipientID, &i.Amount,
		&i.Currency, &i.Status, &i.Description, &i.DueDate, &i.PaidAt, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// IssueForPaymentTx inserts inv unless an invoice already exists for its payment.
// It reports whether a row was written, so retried side-effect jobs stay idempotent.
func (r *InvoiceRepo) IssueForPaymentTx(ctx context.Context, tx pgx.Tx, inv *models.Invoice) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO invoices (id, invoice_number, payment_id, task_id, issuer_id, recipient_id, amount, currency, status, description, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_id) DO NOTHING
	`, inv.ID, inv.InvoiceNumber, inv.PaymentID, inv.TaskID, inv.IssuerID, inv.RecipientID, inv.Amount, inv.Currency,
		inv.Status, inv.Description, inv.DueDate)
	if err != nil {
		return false, mapErr(err, "invoice "+inv.InvoiceNumber)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *InvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "invoice "+id.String())
	}
	return inv, nil
}

// ListByUser returns invoices the user issued or received, newest first.
func (r *InvoiceRepo) ListByUser(ctx context.Context, userID int64) ([]*models.Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE issuer_id = $1 OR recipient_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, inv)
	}
	return list, rows.Err()
}

// UpdateStatus moves the invoice to status only while it is still draft or sent.
// paidAt is stored as given (nil leaves paid_at untouched).
func (r *InvoiceRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string, paidAt *time.Time) (*models.Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `
		UPDATE invoices SET status = $2, paid_at = COALESCE($3, paid_at), updated_at = now()
		WHERE id = $1 AND status IN ('draft', 'sent')
		RETURNING `+invoiceColumns, id, status, paidAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: invoice %s is not in a mutable state", models.ErrConflict, id)
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}
