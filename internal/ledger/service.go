// Package ledger derives user balances from completed payments and
// transactions and processes withdrawals against them.
package ledger

import (
	"context"
	"encoding/json"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/execution"
	"github.com/taras-bel/freelance/backend/internal/fees"
	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
	"github.com/taras-bel/freelance/backend/internal/notify"
)

// Withdrawal is a processed withdrawal request and the entries it wrote.
type Withdrawal struct {
	Number       string                `json:"withdrawal_number"`
	UserID       int64                 `json:"user_id"`
	Amount       decimal.Decimal       `json:"amount"`
	Fee          decimal.Decimal       `json:"fee"`
	Net          decimal.Decimal       `json:"net_amount"`
	Currency     string                `json:"currency"`
	Status       string                `json:"status"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	Transactions []*models.Transaction `json:"transactions"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Commission is the answer to a commission query.
type Commission struct {
	fees.Split
	Rate            decimal.Decimal `json:"rate"`
	TransactionType string          `json:"transaction_type"`
}

func (w Withdrawal) MarshalJSON() ([]byte, error) {
	type plain Withdrawal
	return json.Marshal(struct {
		plain
		Amount       string `json:"amount"`
		Fee          string `json:"fee"`
		Net          string `json:"net_amount"`
		BalanceAfter string `json:"balance_after"`
	}{plain(w), models.FormatMoney(w.Amount), models.FormatMoney(w.Fee), models.FormatMoney(w.Net), models.FormatMoney(w.BalanceAfter)})
}

func (c Commission) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Gross           string `json:"gross"`
		Commission      string `json:"commission"`
		Net             string `json:"net"`
		TotalFees       string `json:"total_fees"`
		Rate            string `json:"rate"`
		TransactionType string `json:"transaction_type"`
	}{
		models.FormatMoney(c.Gross), models.FormatMoney(c.Commission), models.FormatMoney(c.Net),
		models.FormatMoney(c.TotalFees), c.Rate.String(), c.TransactionType,
	})
}

// Store is the persistence the ledger service needs.
type Store interface {
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	Withdraw(ctx context.Context, w *Withdrawal, afterWrite func(ctx context.Context, tx pgx.Tx) error) error
	Payments(ctx context.Context, userID int64) ([]*models.Payment, error)
	Transactions(ctx context.Context, userID int64) ([]*models.Transaction, error)
}

type Service interface {
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	Withdraw(ctx context.Context, actor models.Actor, amount decimal.Decimal) (*Withdrawal, error)
	Commission(amount decimal.Decimal, transactionType string) (*Commission, error)
	Payments(ctx context.Context, userID int64) ([]*models.Payment, error)
	Transactions(ctx context.Context, userID int64) ([]*models.Transaction, error)
}

// Options configures the ledger service. Enqueue may be nil, in which case no
// withdrawal notification is scheduled.
type Options struct {
	Currency string
	Enqueue  execution.InsertTxFunc
	Logger   *slog.Logger
	Now      func() time.Time
}

type service struct {
	store    Store
	fees     *fees.Calculator
	currency string
	enqueue  execution.InsertTxFunc
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, calc *fees.Calculator, opts Options) Service {
	s := &service{store: store, fees: calc, currency: opts.Currency, enqueue: opts.Enqueue, logger: opts.Logger, now: opts.Now}
	if s.currency == "" {
		s.currency = "USD"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

var _ Service = (*service)(nil)

func (s *service) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.store.Balance(ctx, userID)
}

func (s *service) Withdraw(ctx context.Context, actor models.Actor, amount decimal.Decimal) (*Withdrawal, error) {
	split, err := s.fees.Calculate(amount)
	if err != nil {
		metrics.Withdrawals.WithLabelValues("invalid").Inc()
		return nil, err
	}
	now := s.now().UTC()
	number := WithdrawalNumber(now)
	w := &Withdrawal{
		Number:    number,
		UserID:    actor.UserID,
		Amount:    split.Gross,
		Fee:       split.Commission,
		Net:       split.Net,
		Currency:  s.currency,
		Status:    models.PaymentStatusCompleted,
		CreatedAt: now,
	}
	w.Transactions = append(w.Transactions, &models.Transaction{
		ID:              uuid.New(),
		UserID:          actor.UserID,
		Amount:          split.Gross,
		Currency:        s.currency,
		TransactionType: models.TransactionTypeWithdrawal,
		Status:          models.PaymentStatusCompleted,
		ReferenceID:     number,
		Description:     "Withdrawal " + number,
		CreatedAt:       now,
	})
	if split.Commission.IsPositive() {
		w.Transactions = append(w.Transactions, &models.Transaction{
			ID:              uuid.New(),
			UserID:          actor.UserID,
			Amount:          split.Commission,
			Currency:        s.currency,
			TransactionType: models.TransactionTypeFee,
			Status:          models.PaymentStatusCompleted,
			ReferenceID:     number,
			Description:     "Withdrawal fee " + number,
			CreatedAt:       now,
		})
	}

	err = s.store.Withdraw(ctx, w, func(ctx context.Context, tx pgx.Tx) error {
		if s.enqueue == nil {
			return nil
		}
		return s.enqueue(ctx, tx, execution.NotificationArgs{Notification: notify.Notification{
			UserID:  actor.UserID,
			Kind:    notify.KindWithdrawal,
			Title:   "Withdrawal submitted",
			Message: fmt.Sprintf("Withdrawal %s of %s %s submitted; %s %s will be paid out.", number, split.Gross.StringFixed(2), s.currency, split.Net.StringFixed(2), s.currency),
			Data:    map[string]string{"withdrawal_number": number},
		}})
	})
	if errors.Is(err, models.ErrInsufficientFunds) {
		metrics.Withdrawals.WithLabelValues("insufficient_funds").Inc()
		return nil, fmt.Errorf("%w: cannot withdraw %s", models.ErrInsufficientFunds, split.Gross.StringFixed(2))
	}
	if err != nil {
		metrics.Withdrawals.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Withdrawals.WithLabelValues("completed").Inc()
	s.logger.Info("withdrawal processed", "user_id", actor.UserID, "withdrawal_number", number, "amount", split.Gross.StringFixed(2))
	return w, nil
}

func (s *service) Commission(amount decimal.Decimal, transactionType string) (*Commission, error) {
	if transactionType != models.TransactionTypePayment && transactionType != models.TransactionTypeWithdrawal {
		return nil, fmt.Errorf("%w: transaction_type must be payment or withdrawal", models.ErrValidation)
	}
	split, err := s.fees.Calculate(amount)
	if err != nil {
		return nil, err
	}
	return &Commission{Split: split, Rate: s.fees.Rate(), TransactionType: transactionType}, nil
}

func (s *service) Payments(ctx context.Context, userID int64) ([]*models.Payment, error) {
	return s.store.Payments(ctx, userID)
}

func (s *service) Transactions(ctx context.Context, userID int64) ([]*models.Transaction, error) {
	return s.store.Transactions(ctx, userID)
}

// WithdrawalNumber returns a reference of the form WD-YYYYMMDDHHMMSS-XXXXXXXX.
func WithdrawalNumber(now time.Time) string {
	var b [4]byte
	suffix := ""
	if _, err := rand.Read(b[:]); err == nil {
		suffix = hex.EncodeToString(b[:])
	} else {
		suffix = uuid.NewString()[:8]
	}
	return "WD-" + now.UTC().Format("20060102150405") + "-" + strings.ToUpper(suffix)
}
