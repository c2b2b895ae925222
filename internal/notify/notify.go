// Package notify delivers user notifications to the notification service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notification kinds.
const (
	KindEscrowFunded    = "escrow_funded"
	KindPaymentReceived = "payment_received"
	KindPaymentSent     = "payment_sent"
	KindDisputeRaised   = "dispute_raised"
	KindDisputeResolved = "dispute_resolved"
	KindWithdrawal      = "withdrawal_submitted"
	KindEscrowRefunded  = "escrow_refunded"
)

type Notification struct {
	UserID  int64             `json:"user_id"`
	Kind    string            `json:"kind"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notifier delivers a single notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. Used when no
// notification service is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", n.UserID, "kind", n.Kind, "title", n.Title)
	return nil
}

// HTTPNotifier POSTs notifications as JSON to the notification service.
type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify user %d: %w", n.UserID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify user %d: notification service returned %d", n.UserID, resp.StatusCode)
	}
	return nil
}
