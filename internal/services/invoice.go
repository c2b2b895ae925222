package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// InvoiceStore is the invoice persistence InvoiceService needs.
type InvoiceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, paidAt *time.Time) (*models.Invoice, error)
}

// InvoiceService exposes the invoices issued for completed payments.
type InvoiceService struct {
	invoices InvoiceStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewInvoiceService(invoices InvoiceStore, logger *slog.Logger) *InvoiceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceService{invoices: invoices, logger: logger, now: time.Now}
}

// List returns every invoice the actor issued or received.
func (s *InvoiceService) List(ctx context.Context, actor models.Actor) ([]*models.Invoice, error) {
	return s.invoices.ListByUser(ctx, actor.UserID)
}

func (s *InvoiceService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.IssuerID != actor.UserID && inv.RecipientID != actor.UserID {
		return nil, fmt.Errorf("%w: not a party to this invoice", models.ErrForbidden)
	}
	return inv, nil
}

// UpdateStatus moves a draft or sent invoice to status. Only the issuer may do
// so; marking it paid stamps paid_at.
func (s *InvoiceService) UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, status string) (*models.Invoice, error) {
	switch status {
	case models.InvoiceStatusSent, models.InvoiceStatusPaid, models.InvoiceStatusOverdue, models.InvoiceStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: invalid invoice status %q", models.ErrValidation, status)
	}
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.IssuerID != actor.UserID {
		return nil, fmt.Errorf("%w: only the issuer can update an invoice", models.ErrForbidden)
	}
	if !inv.Mutable() {
		return nil, fmt.Errorf("%w: invoice is %s", models.ErrConflict, inv.Status)
	}

	var paidAt *time.Time
	if status == models.InvoiceStatusPaid {
		now := s.now().UTC()
		paidAt = &now
	}
	updated, err := s.invoices.UpdateStatus(ctx, id, status, paidAt)
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice status updated", "invoice_id", id, "from", inv.Status, "to", status)
	return updated, nil
}
