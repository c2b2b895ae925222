package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taras-bel/freelance/backend/internal/models"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// RecordTx inserts the processed-event row. It returns false when the event id
// was already recorded, in which case nothing is written.
func (r *EventRepo) RecordTx(ctx context.Context, tx pgx.Tx, evt *models.ProcessedEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, escrow_id, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, evt.EventID, evt.EventType, evt.EscrowID, evt.Outcome, evt.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
