package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/taras-bel/freelance/backend/internal/bridge"
	"github.com/taras-bel/freelance/backend/internal/gateway"
)

// maxEventBytes caps the size of a gateway event body.
const maxEventBytes = 256 << 10

// EventAcceptor consumes a signed gateway event.
type EventAcceptor interface {
	Accept(ctx context.Context, payload []byte, signature string) (bridge.Outcome, error)
}

// WebhookHandler serves POST /api/v1/gateway/webhook. It is authenticated by
// the event signature, not by a bearer token.
type WebhookHandler struct {
	Bridge EventAcceptor
	Logger *slog.Logger
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	outcome, err := h.Bridge.Accept(r.Context(), payload, r.Header.Get(gateway.SignatureHeader))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
