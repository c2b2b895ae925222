package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/execution"
	"github.com/taras-bel/freelance/backend/internal/fees"
	"github.com/taras-bel/freelance/backend/internal/gateway"
	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
	"github.com/taras-bel/freelance/backend/internal/notify"
)

// DefaultEscrowTTL is how long an escrow stays open before it is reported as expired.
const DefaultEscrowTTL = 30 * 24 * time.Hour

// errNoop signals that a transition is already satisfied and nothing is written.
var errNoop = errors.New("transition is a no-op")

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowStore is the escrow persistence the state machine needs.
type EscrowStore interface {
	Create(ctx context.Context, e *models.Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Escrow, error)
	CompareAndSwap(ctx context.Context, tx pgx.Tx, e *models.Escrow, expected string) error
	ListByParticipant(ctx context.Context, userID int64, status string) ([]*models.Escrow, error)
	ListAll(ctx context.Context, status string) ([]*models.Escrow, error)
}

// PaymentWriter appends ledger payments inside a transition's transaction.
type PaymentWriter interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error
}

// TaskLookup reads tasks from the task service.
type TaskLookup interface {
	GetByID(ctx context.Context, id int64) (*models.Task, error)
}

// FundingGateway creates payment intents at the external gateway.
type FundingGateway interface {
	CreateFundingIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error)
}

// EscrowOptions configures an EscrowService. Gateway and Enqueue may be nil.
type EscrowOptions struct {
	Gateway  FundingGateway
	Enqueue  execution.InsertTxFunc
	Currency string
	TTL      time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// EscrowService is the escrow state machine:
//
//	pending -> funded -> released
//	               \-> disputed -> released | refunded | split
//
// Every transition locks the row, checks its guard and persists with a
// compare-and-swap on the prior status, together with its ledger payment and
// outbox jobs, in a single transaction.
type EscrowService struct {
	pool     TxBeginner
	escrows  EscrowStore
	payments PaymentWriter
	tasks    TaskLookup
	fees     *fees.Calculator
	gateway  FundingGateway
	enqueue  execution.InsertTxFunc
	currency string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewEscrowService returns a new EscrowService.
func NewEscrowService(pool TxBeginner, escrows EscrowStore, payments PaymentWriter, tasks TaskLookup, calc *fees.Calculator, opts EscrowOptions) *EscrowService {
	s := &EscrowService{
		pool:     pool,
		escrows:  escrows,
		payments: payments,
		tasks:    tasks,
		fees:     calc,
		gateway:  opts.Gateway,
		enqueue:  opts.Enqueue,
		currency: opts.Currency,
		ttl:      opts.TTL,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.currency == "" {
		s.currency = "USD"
	}
	if s.ttl <= 0 {
		s.ttl = DefaultEscrowTTL
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Create opens a pending escrow for an assigned task. Only the task creator may
// do so and a task holds at most one escrow. The fee split is fixed here.
func (s *EscrowService) Create(ctx context.Context, actor models.Actor, taskID int64, amount decimal.Decimal) (*models.Escrow, error) {
	split, err := s.fees.Calculate(amount)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != actor.UserID {
		return nil, fmt.Errorf("%w: only the task creator can create an escrow", models.ErrForbidden)
	}
	if task.AssigneeID == nil {
		return nil, fmt.Errorf("%w: task %d has no assigned freelancer", models.ErrValidation, taskID)
	}

	now := s.now().UTC()
	e := &models.Escrow{
		ID:               uuid.New(),
		TaskID:           task.ID,
		ClientID:         task.CreatorID,
		FreelancerID:     *task.AssigneeID,
		Amount:           split.Gross,
		PlatformFee:      split.Commission,
		FreelancerAmount: split.Net,
		Currency:         s.currency,
		Status:           models.EscrowStatusPending,
		ExpiresAt:        now.Add(s.ttl),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.escrows.Create(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowsCreated.Inc()
	s.logger.Info("escrow created", "escrow_id", e.ID, "task_id", e.TaskID, "amount", e.Amount.StringFixed(2))
	return e, nil
}

// RequestFunding asks the gateway for a payment intent the client completes out
// of band. The gateway call happens outside any row lock and leaves local state
// untouched whether it succeeds or not.
func (s *EscrowService) RequestFunding(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*gateway.Intent, error) {
	e, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.ClientID != actor.UserID {
		return nil, fmt.Errorf("%w: only the client can fund an escrow", models.ErrForbidden)
	}
	if e.Status != models.EscrowStatusPending {
		return nil, fmt.Errorf("%w: escrow is %s, not pending", models.ErrConflict, e.Status)
	}
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: payment gateway not configured", models.ErrExternalService)
	}
	intent, err := s.gateway.CreateFundingIntent(ctx, gateway.IntentRequest{
		EscrowID: e.ID,
		TaskID:   e.TaskID,
		Amount:   e.Amount,
		Currency: strings.ToLower(e.Currency),
		Places:   s.fees.Places(),
	})
	if err != nil {
		s.logger.Error("create funding intent", "escrow_id", e.ID, "error", err)
		return nil, err
	}
	return intent, nil
}

// FundConfirmed applies a gateway funding confirmation. It moves a pending
// escrow to funded and is a successful no-op in every other status, so
// duplicate or late confirmations are harmless.
func (s *EscrowService) FundConfirmed(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	_, changed, err := s.transition(ctx, escrowID, func(e *models.Escrow, now time.Time) (*models.Payment, []river.JobArgs, error) {
		if e.Status != models.EscrowStatusPending {
			return nil, nil, errNoop
		}
		e.Status = models.EscrowStatusFunded
		e.FundedAt = &now
		data := map[string]string{"escrow_id": e.ID.String()}
		msg := fmt.Sprintf("Escrow for task %d is funded with %s %s.", e.TaskID, e.Amount.StringFixed(2), e.Currency)
		return nil, []river.JobArgs{
			notification(e.ClientID, notify.KindEscrowFunded, "Escrow funded", msg, data),
			notification(e.FreelancerID, notify.KindEscrowFunded, "Escrow funded", msg, data),
		}, nil
	})
	if errors.Is(err, models.ErrConflict) {
		// Another writer moved the escrow off pending first.
		return false, nil
	}
	return changed, err
}

// Release pays the freelancer amount out of a funded escrow. Client only.
func (s *EscrowService) Release(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.Escrow, error) {
	e, _, err := s.transition(ctx, escrowID, func(e *models.Escrow, now time.Time) (*models.Payment, []river.JobArgs, error) {
		if e.ClientID != actor.UserID {
			return nil, nil, fmt.Errorf("%w: only the client can release an escrow", models.ErrForbidden)
		}
		if e.Status != models.EscrowStatusFunded {
			return nil, nil, fmt.Errorf("%w: escrow is %s, not funded", models.ErrConflict, e.Status)
		}
		e.Status = models.EscrowStatusReleased
		e.ReleasedAt = &now
		return s.payout(e, e.FreelancerAmount, models.PaymentTypeEscrowRelease,
			fmt.Sprintf("Escrow release for task %d", e.TaskID)), nil, nil
	})
	return e, err
}

// Dispute freezes a funded escrow pending admin resolution. Either participant
// may raise it with a non-empty reason.
func (s *EscrowService) Dispute(ctx context.Context, actor models.Actor, escrowID uuid.UUID, reason string) (*models.Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", models.ErrValidation)
	}
	e, _, err := s.transition(ctx, escrowID, func(e *models.Escrow, now time.Time) (*models.Payment, []river.JobArgs, error) {
		if !e.IsParticipant(actor.UserID) {
			return nil, nil, fmt.Errorf("%w: only escrow participants can raise a dispute", models.ErrForbidden)
		}
		if e.Status != models.EscrowStatusFunded && e.Status != models.EscrowStatusInProgress {
			return nil, nil, fmt.Errorf("%w: escrow is %s and cannot be disputed", models.ErrConflict, e.Status)
		}
		by := actor.UserID
		e.Status = models.EscrowStatusDisputed
		e.DisputeReason = &reason
		e.DisputedBy = &by
		e.DisputedAt = &now

		other := e.FreelancerID
		if actor.UserID == e.FreelancerID {
			other = e.ClientID
		}
		return nil, []river.JobArgs{notification(other, notify.KindDisputeRaised, "Dispute raised",
			fmt.Sprintf("A dispute was raised on the escrow for task %d: %s", e.TaskID, reason),
			map[string]string{"escrow_id": e.ID.String()})}, nil
	})
	return e, err
}

// Resolve settles a disputed escrow. Admin only.
//
//	client_win     -> refunded, no payment
//	freelancer_win -> released, freelancer amount paid
//	split          -> split, half the freelancer amount paid
func (s *EscrowService) Resolve(ctx context.Context, actor models.Actor, escrowID uuid.UUID, resolution string) (*models.Escrow, error) {
	if !actor.Admin {
		return nil, fmt.Errorf("%w: only admins can resolve disputes", models.ErrForbidden)
	}
	if !models.ValidResolution(resolution) {
		return nil, fmt.Errorf("%w: unknown resolution %q", models.ErrValidation, resolution)
	}
	e, _, err := s.transition(ctx, escrowID, func(e *models.Escrow, now time.Time) (*models.Payment, []river.JobArgs, error) {
		if e.Status != models.EscrowStatusDisputed {
			return nil, nil, fmt.Errorf("%w: escrow is %s, not disputed", models.ErrConflict, e.Status)
		}
		by := actor.UserID
		res := resolution
		e.Resolution = &res
		e.ResolvedBy = &by
		e.ResolvedAt = &now

		var p *models.Payment
		switch resolution {
		case models.ResolutionClientWin:
			e.Status = models.EscrowStatusRefunded
		case models.ResolutionFreelancerWin:
			e.Status = models.EscrowStatusReleased
			e.ReleasedAt = &now
			p = s.payout(e, e.FreelancerAmount, models.PaymentTypeDisputeResolution,
				fmt.Sprintf("Dispute resolved for freelancer on task %d", e.TaskID))
		case models.ResolutionSplit:
			e.Status = models.EscrowStatusSplit
			p = s.payout(e, s.fees.Half(e.FreelancerAmount), models.PaymentTypeDisputeSplit,
				fmt.Sprintf("Dispute split on task %d", e.TaskID))
		}

		data := map[string]string{"escrow_id": e.ID.String(), "resolution": resolution}
		msg := fmt.Sprintf("The dispute on task %d was resolved: %s.", e.TaskID, strings.ReplaceAll(resolution, "_", " "))
		return p, []river.JobArgs{
			notification(e.ClientID, notify.KindDisputeResolved, "Dispute resolved", msg, data),
			notification(e.FreelancerID, notify.KindDisputeResolved, "Dispute resolved", msg, data),
		}, nil
	})
	return e, err
}

// Get returns an escrow visible to actor.
func (s *EscrowService) Get(ctx context.Context, actor models.Actor, escrowID uuid.UUID) (*models.Escrow, error) {
	e, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !e.IsParticipant(actor.UserID) {
		return nil, fmt.Errorf("%w: not a participant of this escrow", models.ErrForbidden)
	}
	return e, nil
}

// List returns the escrows visible to actor, optionally filtered by status.
// Admins see every escrow.
func (s *EscrowService) List(ctx context.Context, actor models.Actor, status string) ([]*models.Escrow, error) {
	if status != "" && !knownEscrowStatus(status) {
		return nil, fmt.Errorf("%w: unknown escrow status %q", models.ErrValidation, status)
	}
	if actor.Admin {
		return s.escrows.ListAll(ctx, status)
	}
	return s.escrows.ListByParticipant(ctx, actor.UserID, status)
}

// Stats summarises count and amount per status over the escrows visible to actor.
func (s *EscrowService) Stats(ctx context.Context, actor models.Actor) (*models.EscrowStats, error) {
	list, err := s.List(ctx, actor, "")
	if err != nil {
		return nil, err
	}
	stats := &models.EscrowStats{Amount: decimal.Zero, ByStatus: make(map[string]models.EscrowStatusSummary)}
	for _, e := range list {
		stats.Total++
		stats.Amount = stats.Amount.Add(e.Amount)
		sum := stats.ByStatus[e.Status]
		sum.Count++
		sum.Amount = sum.Amount.Add(e.Amount)
		stats.ByStatus[e.Status] = sum
	}
	return stats, nil
}

type transitionFunc func(e *models.Escrow, now time.Time) (*models.Payment, []river.JobArgs, error)

// transition runs apply against the locked escrow row and persists the result:
// compare-and-swap on the prior status, then the payment, then outbox jobs, all
// in one transaction.
func (s *EscrowService) transition(ctx context.Context, escrowID uuid.UUID, apply transitionFunc) (*models.Escrow, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	e, err := s.escrows.GetByIDForUpdate(ctx, tx, escrowID)
	if err != nil {
		return nil, false, err
	}
	from := e.Status
	now := s.now().UTC()

	payment, jobs, err := apply(e, now)
	if errors.Is(err, errNoop) {
		return e, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e.UpdatedAt = now
	if payment != nil && !payment.Amount.IsPositive() {
		// Rounding can leave nothing to pay; the transition still happens.
		payment = nil
	}

	if err := s.escrows.CompareAndSwap(ctx, tx, e, from); err != nil {
		return nil, false, err
	}
	if payment != nil {
		payment.CreatedAt = now
		if err := s.payments.CreateTx(ctx, tx, payment); err != nil {
			return nil, false, fmt.Errorf("write payment: %w", err)
		}
		jobs = append(jobs, execution.SettlementArgs{
			PaymentID:   payment.ID,
			EscrowID:    e.ID,
			TaskID:      e.TaskID,
			SenderID:    payment.SenderID,
			RecipientID: payment.RecipientID,
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			PaymentType: payment.PaymentType,
		})
	}
	s.enqueueAll(ctx, tx, e.ID, jobs)

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	metrics.EscrowTransitions.WithLabelValues(from, e.Status).Inc()
	s.logger.Info("escrow transition", "escrow_id", e.ID, "from", from, "to", e.Status)
	return e, true, nil
}

// enqueueAll inserts each job under its own savepoint. A failed insert is
// logged and rolled back to the savepoint; it never aborts the transition.
func (s *EscrowService) enqueueAll(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID, jobs []river.JobArgs) {
	if s.enqueue == nil {
		return
	}
	for _, job := range jobs {
		sp, err := tx.Begin(ctx)
		if err != nil {
			s.logger.Error("outbox savepoint", "escrow_id", escrowID, "kind", job.Kind(), "error", err)
			continue
		}
		if err := s.enqueue(ctx, sp, job); err != nil {
			_ = sp.Rollback(ctx)
			metrics.SideEffectFailures.WithLabelValues(job.Kind()).Inc()
			s.logger.Error("enqueue side effect", "escrow_id", escrowID, "kind", job.Kind(), "error", err)
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			s.logger.Error("release outbox savepoint", "escrow_id", escrowID, "kind", job.Kind(), "error", err)
		}
	}
}

func (s *EscrowService) payout(e *models.Escrow, amount decimal.Decimal, paymentType, description string) *models.Payment {
	taskID := e.TaskID
	escrowID := e.ID
	return &models.Payment{
		ID:          uuid.New(),
		Amount:      amount,
		Currency:    e.Currency,
		SenderID:    e.ClientID,
		RecipientID: e.FreelancerID,
		TaskID:      &taskID,
		EscrowID:    &escrowID,
		Status:      models.PaymentStatusCompleted,
		PaymentType: paymentType,
		Description: description,
	}
}

func notification(userID int64, kind, title, message string, data map[string]string) execution.NotificationArgs {
	return execution.NotificationArgs{Notification: notify.Notification{
		UserID: userID, Kind: kind, Title: title, Message: message, Data: data,
	}}
}

func knownEscrowStatus(status string) bool {
	switch status {
	case models.EscrowStatusPending, models.EscrowStatusFunded, models.EscrowStatusInProgress,
		models.EscrowStatusDisputed, models.EscrowStatusReleased, models.EscrowStatusRefunded, models.EscrowStatusSplit:
		return true
	}
	return false
}
