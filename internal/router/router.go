// Package router mounts the HTTP API.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taras-bel/freelance/backend/internal/handlers"
	"github.com/taras-bel/freelance/backend/internal/middleware"
	"github.com/taras-bel/freelance/backend/internal/services"
)

type Deps struct {
	Tokens    middleware.TokenValidator
	Validator middleware.SchemaValidator
	Escrows   *handlers.EscrowHandler
	Ledger    *handlers.LedgerHandler
	Invoices  *handlers.InvoiceHandler
	Webhook   *handlers.WebhookHandler
}

// New returns an http.Handler that serves the API under /api/v1 plus /health
// and /metrics.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	body := func(schema string) func(http.Handler) http.Handler {
		return middleware.ValidateBody(d.Validator, schema)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Signed by the gateway, not by a user token.
		r.Post("/gateway/webhook", d.Webhook.Receive)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(d.Tokens))

			r.Route("/escrows", func(r chi.Router) {
				r.With(body(services.SchemaEscrowCreate)).Post("/", d.Escrows.Create)
				r.Get("/", d.Escrows.List)
				r.Get("/stats", d.Escrows.Stats)
				r.Get("/{id}", d.Escrows.Get)
				r.Post("/{id}/fund", d.Escrows.Fund)
				r.Post("/{id}/release", d.Escrows.Release)
				r.With(body(services.SchemaEscrowDispute)).Post("/{id}/dispute", d.Escrows.Dispute)
				r.With(body(services.SchemaEscrowResolve)).Post("/{id}/resolve", d.Escrows.Resolve)
			})

			r.Route("/ledger", func(r chi.Router) {
				r.Get("/balance", d.Ledger.Balance)
				r.With(body(services.SchemaWithdrawal)).Post("/withdrawals", d.Ledger.Withdraw)
				r.Get("/commission", d.Ledger.Commission)
				r.Get("/transactions", d.Ledger.Transactions)
				r.Get("/payments", d.Ledger.Payments)
			})

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", d.Invoices.List)
				r.Get("/{id}", d.Invoices.Get)
				r.With(body(services.SchemaInvoiceStatus)).Patch("/{id}/status", d.Invoices.UpdateStatus)
			})
		})
	})

	return r
}
