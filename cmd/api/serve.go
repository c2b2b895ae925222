package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/taras-bel/freelance/backend/internal/auth"
	"github.com/taras-bel/freelance/backend/internal/bridge"
	"github.com/taras-bel/freelance/backend/internal/config"
	"github.com/taras-bel/freelance/backend/internal/execution"
	"github.com/taras-bel/freelance/backend/internal/fees"
	"github.com/taras-bel/freelance/backend/internal/gateway"
	"github.com/taras-bel/freelance/backend/internal/handlers"
	"github.com/taras-bel/freelance/backend/internal/idempotency"
	"github.com/taras-bel/freelance/backend/internal/ledger"
	"github.com/taras-bel/freelance/backend/internal/notify"
	"github.com/taras-bel/freelance/backend/internal/repository"
	"github.com/taras-bel/freelance/backend/internal/router"
	"github.com/taras-bel/freelance/backend/internal/services"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("GATEWAY_WEBHOOK_SECRET not set; every gateway event will be rejected")
	}

	pool, err := connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := migrate(ctx, pool); err != nil {
		return err
	}

	calc, err := fees.New(cfg.PlatformFeeRate, cfg.CurrencyPlaces)
	if err != nil {
		return err
	}

	escrowRepo := repository.NewEscrowRepo(pool)
	paymentRepo := repository.NewPaymentRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	eventRepo := repository.NewEventRepo(pool)
	invoiceRepo := repository.NewInvoiceRepo(pool)
	ledgerRepo := ledger.NewRepository(pool)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn execution.InsertTxFunc
	enqueue := func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	var fundingGateway services.FundingGateway
	if cfg.GatewayURL != "" {
		fundingGateway = gateway.NewClient(gateway.Config{
			BaseURL:     cfg.GatewayURL,
			APIKey:      cfg.GatewayAPIKey,
			Timeout:     cfg.GatewayTimeout,
			MaxAttempts: cfg.GatewayMaxAttempts,
		}, logger)
	} else {
		logger.Warn("GATEWAY_URL not set; funding requests will fail")
	}

	escrowSvc := services.NewEscrowService(pool, escrowRepo, paymentRepo, taskRepo, calc, services.EscrowOptions{
		Gateway:  fundingGateway,
		Enqueue:  enqueue,
		Currency: cfg.Currency,
		TTL:      cfg.EscrowTTL,
		Logger:   logger,
	})
	ledgerSvc := ledger.NewService(ledgerRepo, calc, ledger.Options{
		Currency: cfg.Currency,
		Enqueue:  enqueue,
		Logger:   logger,
	})
	invoiceSvc := services.NewInvoiceService(invoiceRepo, logger)

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifyTimeout)
	}

	var cache idempotency.Cache = idempotency.NopCache{}
	if cfg.RedisURL != "" {
		rc, err := idempotency.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable; duplicate events are detected by the database only", "error", err)
		} else {
			defer rc.Close()
			cache = rc
		}
	}

	validator, err := services.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGatewayEventWorker(escrowSvc, logger))
	river.AddWorker(workers, execution.NewSettlementWorker(pool, invoiceRepo, enqueue, logger))
	river.AddWorker(workers, execution.NewNotificationWorker(notifier, logger))
	river.AddWorker(workers, execution.NewExpirySweepWorker(escrowRepo, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.ExpirySweepJob(cfg.ExpirySweepInterval)},
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create River client: %w", err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	eventBridge := bridge.New(pool, eventRepo, validator, enqueue, cache, bridge.Config{
		Secret:    []byte(cfg.WebhookSecret),
		Tolerance: cfg.WebhookTolerance,
	}, logger)

	apiHandler := router.New(router.Deps{
		Tokens:    auth.NewService(cfg.JWTSecret),
		Validator: validator,
		Escrows:   &handlers.EscrowHandler{Escrows: escrowSvc, Logger: logger},
		Ledger:    &handlers.LedgerHandler{Ledger: ledgerSvc, Currency: cfg.Currency, Logger: logger},
		Invoices:  &handlers.InvoiceHandler{Invoices: invoiceSvc, Logger: logger},
		Webhook:   &handlers.WebhookHandler{Bridge: eventBridge, Logger: logger},
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", gateway.SignatureHeader},
		AllowCredentials: true,
	}).Handler(apiHandler)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("start River client: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			logger.Error("River client stop", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
	}
	return nil
}
