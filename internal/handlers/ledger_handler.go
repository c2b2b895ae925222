package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/ledger"
	"github.com/taras-bel/freelance/backend/internal/models"
)

// LedgerHandler serves /api/v1/ledger endpoints.
type LedgerHandler struct {
	Ledger   ledger.Service
	Currency string
	Logger   *slog.Logger
}

type balanceResponse struct {
	UserID   int64  `json:"user_id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

// Balance handles GET /ledger/balance.
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: actor.UserID, Balance: models.FormatMoney(bal), Currency: h.Currency})
}

type withdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Withdraw handles POST /ledger/withdrawals.
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	wd, err := h.Ledger.Withdraw(r.Context(), actor, req.Amount)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

// Commission handles GET /ledger/commission?amount=&transaction_type=.
func (h *LedgerHandler) Commission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, h.Logger, r, fmt.Errorf("%w: amount must be a decimal", models.ErrValidation))
		return
	}
	txType := q.Get("transaction_type")
	if txType == "" {
		txType = models.TransactionTypePayment
	}
	c, err := h.Ledger.Commission(amount, txType)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Transactions handles GET /ledger/transactions.
func (h *LedgerHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	list, err := h.Ledger.Transactions(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Payments handles GET /ledger/payments.
func (h *LedgerHandler) Payments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	list, err := h.Ledger.Payments(r.Context(), actor.UserID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if list == nil {
		list = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, list)
}
