package execution

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
	"github.com/taras-bel/freelance/backend/internal/notify"
)

// InvoiceDueIn is how long after issue an escrow invoice falls due.
const InvoiceDueIn = 30 * 24 * time.Hour

// SettlementArgs describes a completed payment whose invoice and notifications
// are still to be produced.
type SettlementArgs struct {
	PaymentID   uuid.UUID       `json:"payment_id"`
	EscrowID    uuid.UUID       `json:"escrow_id"`
	TaskID      int64           `json:"task_id"`
	SenderID    int64           `json:"sender_id"`
	RecipientID int64           `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PaymentType string          `json:"payment_type"`
}

func (SettlementArgs) Kind() string { return "settlement_side_effects" }

// InsertOpts keeps a single settlement job per payment even if enqueued twice.
func (SettlementArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// InvoiceIssuer writes the invoice for a payment, at most once per payment.
type InvoiceIssuer interface {
	IssueForPaymentTx(ctx context.Context, tx pgx.Tx, inv *models.Invoice) (bool, error)
}

// TxBeginner starts the transaction that holds the invoice and its notifications.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SettlementWorker issues the invoice for a payment and enqueues one
// notification job per party in the same transaction. A payment whose invoice
// already exists was settled by an earlier attempt and is skipped.
type SettlementWorker struct {
	river.WorkerDefaults[SettlementArgs]
	pool     TxBeginner
	invoices InvoiceIssuer
	enqueue  InsertTxFunc
	logger   *slog.Logger
	now      func() time.Time
}

func NewSettlementWorker(pool TxBeginner, invoices InvoiceIssuer, enqueue InsertTxFunc, logger *slog.Logger) *SettlementWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementWorker{pool: pool, invoices: invoices, enqueue: enqueue, logger: logger, now: time.Now}
}

func (w *SettlementWorker) Work(ctx context.Context, job *river.Job[SettlementArgs]) error {
	args := job.Args
	now := w.now().UTC()
	due := now.Add(InvoiceDueIn)
	paymentID := args.PaymentID
	taskID := args.TaskID

	inv := &models.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: InvoiceNumber(now),
		PaymentID:     &paymentID,
		TaskID:        &taskID,
		IssuerID:      args.SenderID,
		RecipientID:   args.RecipientID,
		Amount:        args.Amount,
		Currency:      args.Currency,
		Status:        models.InvoiceStatusDraft,
		Description:   fmt.Sprintf("%s for task %d", strings.ReplaceAll(args.PaymentType, "_", " "), args.TaskID),
		DueDate:       &due,
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	created, err := w.invoices.IssueForPaymentTx(ctx, tx, inv)
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("invoice").Inc()
		w.logger.Error("issue invoice", "payment_id", args.PaymentID, "escrow_id", args.EscrowID, "error", err)
		return err
	}
	if !created {
		w.logger.Info("payment already settled", "payment_id", args.PaymentID, "attempt", job.Attempt)
		return nil
	}

	amount := models.FormatMoney(args.Amount) + " " + args.Currency
	data := map[string]string{"payment_id": args.PaymentID.String(), "escrow_id": args.EscrowID.String()}
	for _, n := range []notify.Notification{
		{UserID: args.RecipientID, Kind: notify.KindPaymentReceived, Title: "Payment received",
			Message: fmt.Sprintf("You received %s for task %d.", amount, args.TaskID), Data: data},
		{UserID: args.SenderID, Kind: notify.KindPaymentSent, Title: "Payment sent",
			Message: fmt.Sprintf("%s was paid out for task %d.", amount, args.TaskID), Data: data},
	} {
		if err := w.enqueue(ctx, tx, NotificationArgs{Notification: n}); err != nil {
			metrics.SideEffectFailures.WithLabelValues("notification").Inc()
			w.logger.Error("enqueue settlement notification", "user_id", n.UserID, "payment_id", args.PaymentID, "error", err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	w.logger.Info("invoice issued", "invoice_number", inv.InvoiceNumber, "payment_id", args.PaymentID)
	return nil
}

// InvoiceNumber returns an invoice number of the form INV-YYYYMMDD-XXXXXXXX.
func InvoiceNumber(now time.Time) string {
	return "INV-" + now.UTC().Format("20060102") + "-" + randomSuffix()
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strings.ToUpper(uuid.NewString()[:8])
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}
