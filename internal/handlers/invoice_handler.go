package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// InvoiceService abstracts the invoice operations needed by the handler.
type InvoiceService interface {
	List(ctx context.Context, actor models.Actor) ([]*models.Invoice, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Invoice, error)
	UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, status string) (*models.Invoice, error)
}

// InvoiceHandler serves /api/v1/invoices endpoints.
type InvoiceHandler struct {
	Invoices InvoiceService
	Logger   *slog.Logger
}

func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	list, err := h.Invoices.List(r.Context(), actor)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if list == nil {
		list = []*models.Invoice{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "invoice")
	if !ok {
		return
	}
	inv, err := h.Invoices.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type invoiceStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PATCH /invoices/{id}/status.
func (h *InvoiceHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "invoice")
	if !ok {
		return
	}
	var req invoiceStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	inv, err := h.Invoices.UpdateStatus(r.Context(), actor, id, req.Status)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
