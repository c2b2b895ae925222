package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
)

const expirySweepLimit = 500

// ExpirySweepArgs triggers one pass over escrows past their expiry.
type ExpirySweepArgs struct{}

func (ExpirySweepArgs) Kind() string { return "escrow_expiry_sweep" }

// ExpiredLister finds non-terminal escrows whose expires_at has passed.
type ExpiredLister interface {
	ListExpiredUnresolved(ctx context.Context, now time.Time, limit int) ([]*models.Escrow, error)
}

// ExpirySweepWorker reports expired escrows for reconciliation. It never
// changes escrow state: expiry carries no automatic transition.
type ExpirySweepWorker struct {
	river.WorkerDefaults[ExpirySweepArgs]
	escrows ExpiredLister
	logger  *slog.Logger
	now     func() time.Time
}

func NewExpirySweepWorker(escrows ExpiredLister, logger *slog.Logger) *ExpirySweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweepWorker{escrows: escrows, logger: logger, now: time.Now}
}

func (w *ExpirySweepWorker) Work(ctx context.Context, _ *river.Job[ExpirySweepArgs]) error {
	expired, err := w.escrows.ListExpiredUnresolved(ctx, w.now(), expirySweepLimit)
	if err != nil {
		return err
	}
	metrics.EscrowsExpiredUnresolved.Set(float64(len(expired)))
	for _, e := range expired {
		w.logger.Warn("escrow expired unresolved",
			"escrow_id", e.ID, "task_id", e.TaskID, "status", e.Status,
			"amount", e.Amount.StringFixed(2), "expires_at", e.ExpiresAt)
	}
	return nil
}

// ExpirySweepJob builds the periodic job registration for the sweep.
func ExpirySweepJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return ExpirySweepArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
