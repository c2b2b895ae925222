package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/gateway"
	"github.com/taras-bel/freelance/backend/internal/models"
)

// EscrowService abstracts the escrow operations needed by the handler.
type EscrowService interface {
	Create(ctx context.Context, actor models.Actor, taskID int64, amount decimal.Decimal) (*models.Escrow, error)
	RequestFunding(ctx context.Context, actor models.Actor, id uuid.UUID) (*gateway.Intent, error)
	Release(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Escrow, error)
	Dispute(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.Escrow, error)
	Resolve(ctx context.Context, actor models.Actor, id uuid.UUID, resolution string) (*models.Escrow, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Escrow, error)
	List(ctx context.Context, actor models.Actor, status string) ([]*models.Escrow, error)
	Stats(ctx context.Context, actor models.Actor) (*models.EscrowStats, error)
}

// EscrowHandler serves /api/v1/escrows endpoints.
type EscrowHandler struct {
	Escrows EscrowService
	Logger  *slog.Logger
}

// --- POST /escrows ---

type createEscrowRequest struct {
	TaskID int64           `json:"task_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req createEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	e, err := h.Escrows.Create(r.Context(), actor, req.TaskID, req.Amount)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// --- GET /escrows ---

func (h *EscrowHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	list, err := h.Escrows.List(r.Context(), actor, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if list == nil {
		list = []*models.Escrow{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /escrows/stats ---

func (h *EscrowHandler) Stats(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	stats, err := h.Escrows.Stats(r.Context(), actor)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- GET /escrows/{id} ---

func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "escrow")
	if !ok {
		return
	}
	e, err := h.Escrows.Get(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- POST /escrows/{id}/fund ---

type fundResponse struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
}

// Fund returns the payment intent the client completes with the gateway. The
// escrow stays pending until the gateway confirms.
func (h *EscrowHandler) Fund(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "escrow")
	if !ok {
		return
	}
	intent, err := h.Escrows.RequestFunding(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fundResponse{IntentID: intent.ID, ClientSecret: intent.ClientSecret})
}

// --- POST /escrows/{id}/release ---

func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "escrow")
	if !ok {
		return
	}
	e, err := h.Escrows.Release(r.Context(), actor, id)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- POST /escrows/{id}/dispute ---

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "escrow")
	if !ok {
		return
	}
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	e, err := h.Escrows.Dispute(r.Context(), actor, id, req.Reason)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- POST /escrows/{id}/resolve ---

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *EscrowHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "escrow")
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	e, err := h.Escrows.Resolve(r.Context(), actor, id, req.Resolution)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
