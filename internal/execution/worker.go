// Package execution holds the River job arguments and workers that consume the
// transactional outbox: gateway confirmations, settlement side effects,
// notifications and the escrow expiry sweep.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
	"github.com/taras-bel/freelance/backend/internal/notify"
)

// InsertTxFunc enqueues a job inside the caller's transaction so it becomes
// visible only if the transaction commits.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error

// GatewayEventArgs carries a verified funding confirmation from the gateway.
type GatewayEventArgs struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	EscrowID  uuid.UUID `json:"escrow_id"`
}

func (GatewayEventArgs) Kind() string { return "gateway_event" }

// EscrowFunder is the escrow operation the gateway worker drives.
type EscrowFunder interface {
	FundConfirmed(ctx context.Context, escrowID uuid.UUID) (bool, error)
}

type GatewayEventWorker struct {
	river.WorkerDefaults[GatewayEventArgs]
	escrows EscrowFunder
	logger  *slog.Logger
}

func NewGatewayEventWorker(escrows EscrowFunder, logger *slog.Logger) *GatewayEventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayEventWorker{escrows: escrows, logger: logger}
}

func (w *GatewayEventWorker) Work(ctx context.Context, job *river.Job[GatewayEventArgs]) error {
	args := job.Args
	changed, err := w.escrows.FundConfirmed(ctx, args.EscrowID)
	if errors.Is(err, models.ErrNotFound) {
		// Retrying cannot make an unknown escrow appear; keep the event for reconciliation.
		w.logger.Error("gateway event for unknown escrow", "event_id", args.EventID, "escrow_id", args.EscrowID)
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("fund escrow %s: %w", args.EscrowID, err)
	}
	w.logger.Info("gateway event applied", "event_id", args.EventID, "escrow_id", args.EscrowID, "changed", changed)
	return nil
}

// NotificationArgs is a single notification to deliver.
type NotificationArgs struct {
	Notification notify.Notification `json:"notification"`
}

func (NotificationArgs) Kind() string { return "notification" }

type NotificationWorker struct {
	river.WorkerDefaults[NotificationArgs]
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewNotificationWorker(n notify.Notifier, logger *slog.Logger) *NotificationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationWorker{notifier: n, logger: logger}
}

func (w *NotificationWorker) Work(ctx context.Context, job *river.Job[NotificationArgs]) error {
	n := job.Args.Notification
	if err := w.notifier.Notify(ctx, n); err != nil {
		metrics.SideEffectFailures.WithLabelValues("notification").Inc()
		w.logger.Warn("notification delivery failed", "user_id", n.UserID, "kind", n.Kind, "attempt", job.Attempt, "error", err)
		return err
	}
	return nil
}
