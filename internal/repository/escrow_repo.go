package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taras-bel/freelance/backend/internal/models"
)

const escrowColumns = `id, task_id, client_id, freelancer_id, amount, platform_fee, freelancer_amount, currency, status,
	funded_at, released_at, expires_at, dispute_reason, disputed_by, disputed_at, resolution, resolved_by, resolved_at,
	created_at, updated_at`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	err := row.Scan(&e.ID, &e.TaskID, &e.ClientID, &e.FreelancerID, &e.Amount, &e.PlatformFee, &e.FreelancerAmount,
		&e.Currency, &e.Status, &e.FundedAt, &e.ReleasedAt, &e.ExpiresAt, &e.DisputeReason, &e.DisputedBy,
		&e.DisputedAt, &e.Resolution, &e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new escrow. A second escrow for the same task fails with ErrConflict.
func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO escrows (id, task_id, client_id, freelancer_id, amount, platform_fee, freelancer_amount, currency, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, e.ID, e.TaskID, e.ClientID, e.FreelancerID, e.Amount, e.PlatformFee, e.FreelancerAmount, e.Currency, e.Status, e.ExpiresAt).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	return mapErr(err, fmt.Sprintf("escrow for task %d", e.TaskID))
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "escrow "+id.String())
	}
	return e, nil
}

// GetByIDForUpdate locks the escrow row for update. Call within a transaction.
func (r *EscrowRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Escrow, error) {
	e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err, "escrow "+id.String())
	}
	return e, nil
}

// CompareAndSwap persists e only if the stored status still equals expected.
// Zero affected rows means another writer got there first and yields ErrConflict.
func (r *EscrowRepo) CompareAndSwap(ctx context.Context, tx pgx.Tx, e *models.Escrow, expected string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrows SET status = $3, funded_at = $4, released_at = $5, dispute_reason = $6, disputed_by = $7,
			disputed_at = $8, resolution = $9, resolved_by = $10, resolved_at = $11, updated_at = now()
		WHERE id = $1 AND status = $2
	`, e.ID, expected, e.Status, e.FundedAt, e.ReleasedAt, e.DisputeReason, e.DisputedBy, e.DisputedAt,
		e.Resolution, e.ResolvedBy, e.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: escrow %s is no longer %s", models.ErrConflict, e.ID, expected)
	}
	return nil
}

// ListByParticipant returns escrows where userID is client or freelancer,
// newest first. An empty status matches all statuses.
func (r *EscrowRepo) ListByParticipant(ctx context.Context, userID int64, status string) ([]*models.Escrow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE (client_id = $1 OR freelancer_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
	`, userID, status)
	if err != nil {
		return nil, err
	}
	return collectEscrows(rows)
}

// ListAll returns every escrow, optionally filtered by status. Used for admin views.
func (r *EscrowRepo) ListAll(ctx context.Context, status string) ([]*models.Escrow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, err
	}
	return collectEscrows(rows)
}

// ListExpiredUnresolved returns non-terminal escrows whose expires_at is before now.
func (r *EscrowRepo) ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]*models.Escrow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('pending', 'funded', 'in_progress', 'disputed') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEscrows(rows)
}

func collectEscrows(rows pgx.Rows) ([]*models.Escrow, error) {
	defer rows.Close()
	var list []*models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
