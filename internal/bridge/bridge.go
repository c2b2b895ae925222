// Package bridge turns signed gateway events into escrow funding jobs. Each
// event id is consumed at most once.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taras-bel/freelance/backend/internal/execution"
	"github.com/taras-bel/freelance/backend/internal/gateway"
	"github.com/taras-bel/freelance/backend/internal/idempotency"
	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
	"github.com/taras-bel/freelance/backend/internal/services"
)

// Outcome is how an incoming event was handled.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// SchemaValidator checks a document against a named schema.
type SchemaValidator interface {
	Validate(name string, doc []byte) error
}

// EventRecorder inserts the processed-event row, reporting false for an id
// already recorded.
type EventRecorder interface {
	RecordTx(ctx context.Context, tx pgx.Tx, evt *models.ProcessedEvent) (bool, error)
}

type Config struct {
	Secret    []byte
	Tolerance time.Duration
	CacheTTL  time.Duration
}

type Bridge struct {
	pool      services.TxBeginner
	events    EventRecorder
	validator SchemaValidator
	enqueue   execution.InsertTxFunc
	cache     idempotency.Cache
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a Bridge. A nil cache disables the fast duplicate check.
func New(pool services.TxBeginner, events EventRecorder, validator SchemaValidator, enqueue execution.InsertTxFunc, cache idempotency.Cache, cfg Config, logger *slog.Logger) *Bridge {
	if cache == nil {
		cache = idempotency.NopCache{}
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = gateway.DefaultTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pool:      pool,
		events:    events,
		validator: validator,
		enqueue:   enqueue,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Accept authenticates payload, records its event id and, for a funding
// confirmation, enqueues the escrow transition in the same transaction. An
// event that fails verification changes nothing.
func (b *Bridge) Accept(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if err := gateway.VerifySignature(b.cfg.Secret, payload, signature, b.cfg.Tolerance, b.now()); err != nil {
		metrics.GatewayEvents.WithLabelValues("rejected").Inc()
		b.logger.Warn("gateway event rejected", "error", err)
		return "", err
	}
	if err := b.validator.Validate(services.SchemaGatewayEvent, payload); err != nil {
		metrics.GatewayEvents.WithLabelValues("invalid").Inc()
		return "", err
	}
	evt, err := gateway.ParseEvent(payload)
	if err != nil {
		metrics.GatewayEvents.WithLabelValues("invalid").Inc()
		return "", err
	}

	seen, err := b.cache.Seen(ctx, evt.ID)
	if err != nil {
		b.logger.Warn("idempotency cache lookup failed", "event_id", evt.ID, "error", err)
	}
	if seen {
		return b.done(evt, OutcomeDuplicate), nil
	}

	outcome, err := b.record(ctx, evt)
	if err != nil {
		b.logger.Error("record gateway event", "event_id", evt.ID, "event_type", evt.Type, "error", err)
		return "", err
	}
	if err := b.cache.Remember(ctx, evt.ID, b.cfg.CacheTTL); err != nil {
		b.logger.Warn("idempotency cache write failed", "event_id", evt.ID, "error", err)
	}
	return b.done(evt, outcome), nil
}

func (b *Bridge) record(ctx context.Context, evt gateway.Event) (Outcome, error) {
	outcome := OutcomeIgnored
	if evt.Type == gateway.EventPaymentSucceeded && evt.EscrowID != nil {
		outcome = OutcomeAccepted
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	inserted, err := b.events.RecordTx(ctx, tx, &models.ProcessedEvent{
		EventID:    evt.ID,
		EventType:  evt.Type,
		EscrowID:   evt.EscrowID,
		Outcome:    string(outcome),
		ReceivedAt: b.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}
	if outcome == OutcomeAccepted {
		if err := b.enqueue(ctx, tx, execution.GatewayEventArgs{
			EventID:   evt.ID,
			EventType: evt.Type,
			EscrowID:  *evt.EscrowID,
		}); err != nil {
			return "", fmt.Errorf("enqueue gateway event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return outcome, nil
}

func (b *Bridge) done(evt gateway.Event, outcome Outcome) Outcome {
	metrics.GatewayEvents.WithLabelValues(string(outcome)).Inc()
	b.logger.Info("gateway event", "event_id", evt.ID, "event_type", evt.Type, "outcome", outcome)
	return outcome
}
