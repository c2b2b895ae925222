// Package gateway talks to the external payment gateway: it creates funding
// intents and authenticates the events the gateway sends back.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/taras-bel/freelance/backend/internal/metrics"
	"github.com/taras-bel/freelance/backend/internal/models"
)

// IntentRequest asks the gateway to prepare a payment for an escrow.
type IntentRequest struct {
	EscrowID uuid.UUID
	TaskID   int64
	Amount   decimal.Decimal
	Currency string
	Places   int32
}

// Intent is the gateway's answer: an opaque id and the secret the client uses
// to complete payment.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// Config for Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Consecutive failures that open the breaker, and how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client creates funding intents with bounded per-attempt timeouts, retries
// with exponential backoff and a circuit breaker around the gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// permanentError marks a gateway answer that retrying cannot change.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{cfg: cfg, http: &http.Client{}, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var perm *permanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.GatewayBreakerState.Set(breakerStateValue(to))
			logger.Warn("gateway circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// CreateFundingIntent asks the gateway for a payment intent. Every failure
// wraps models.ErrExternalService.
func (c *Client) CreateFundingIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	body, err := json.Marshal(map[string]any{
		"amount":   req.Amount.Shift(req.Places).IntPart(),
		"currency": req.Currency,
		"metadata": map[string]string{
			"escrow_id": req.EscrowID.String(),
			"task_id":   fmt.Sprint(req.TaskID),
		},
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.WaitContext(ctx, c.retryDelay(attempt-1)); err != nil {
				break
			}
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.post(ctx, "/v1/payment_intents", body, req.EscrowID.String())
		})
		if err == nil {
			metrics.GatewayRequests.WithLabelValues("ok").Inc()
			return res.(*Intent), nil
		}
		lastErr = err
		var perm *permanentError
		switch {
		case errors.As(err, &perm):
			metrics.GatewayRequests.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %v", models.ErrExternalService, err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.GatewayRequests.WithLabelValues("circuit_open").Inc()
			return nil, fmt.Errorf("%w: payment gateway unavailable: %v", models.ErrExternalService, err)
		}
		metrics.GatewayRequests.WithLabelValues("retry").Inc()
		c.logger.Warn("gateway request failed", "escrow_id", req.EscrowID, "attempt", attempt+1, "error", err)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	metrics.GatewayRequests.WithLabelValues("failed").Inc()
	return nil, fmt.Errorf("%w: %v", models.ErrExternalService, lastErr)
}

// retryDelay is a full-jitter delay in [0, min(BaseDelay*2^attempt, MaxDelay)).
func (c *Client) retryDelay(attempt int) time.Duration {
	d := backoff.Exponential(c.cfg.BaseDelay, attempt)
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return backoff.FullJitter(d)
}

func (c *Client) post(ctx context.Context, path string, body []byte, idempotencyKey string) (*Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &permanentError{fmt.Errorf("gateway rejected request: %d %s", resp.StatusCode, bytes.TrimSpace(raw))}
	}

	var intent Intent
	if err := json.Unmarshal(raw, &intent); err != nil || intent.ClientSecret == "" {
		return nil, &permanentError{fmt.Errorf("gateway returned malformed intent")}
	}
	return &intent, nil
}
