package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/josh-kwaku/order-payment-webhooks/internal/config"
	"github.com/josh-kwaku/order-payment-webhooks/internal/handler"
	"github.com/josh-kwaku/order-payment-webhooks/internal/logging"
	"github.com/josh-kwaku/order-payment-webhooks/internal/metrics"
	"github.com/josh-kwaku/order-payment-webhooks/internal/middleware"
	"github.com/josh-kwaku/order-payment-webhooks/internal/notify"
	"github.com/josh-kwaku/order-payment-webhooks/internal/provider"
	"github.com/josh-kwaku/order-payment-webhooks/internal/repository"
	"github.com/josh-kwaku/order-payment-webhooks/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("order-payment-webhooks", cfg.LogLevel, cfg.AppEnv)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
		ConnectAttempts:  cfg.DBConnectAttempts,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(ctx, cfg, db, logger); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) error {
	events := repository.NewWebhookEventRepository(db)
	contexts := repository.NewOrderContextRepository(db, cfg.OrderContextTTL)
	claims := repository.NewOrderNotificationRepository(db)

	mp, err := provider.NewClient(cfg.ProviderAPIURL, cfg.ProviderAccessToken, cfg.ProviderTimeout, cfg.ProviderResourceHosts...)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	dispatcher := service.NewDispatcher(
		claims,
		events,
		repository.NewDB(db),
		notifier,
		notify.NewComposer(cfg.NotifyMerchantEmails),
		cfg.NotifyClaimLease,
	)
	reconciler := service.NewReconciler(
		service.NewResolver(events, mp),
		service.NewVerifier(mp),
		events,
		contexts,
		dispatcher,
	)
	processor := service.NewWebhookProcessor(events, reconciler, logger.With("component", "processor"), service.ProcessorConfig{
		Workers:      cfg.WorkerCount,
		QueueSize:    cfg.QueueSize,
		Interval:     cfg.PollInterval,
		BatchSize:    cfg.PollBatch,
		Lease:        cfg.ProcessingLease,
		RetryBackoff: cfg.RetryBackoff,
		MaxAttempts:  cfg.MaxAttempts,
	})
	janitor := service.NewJanitor(events, contexts, cfg.EventRetention, cfg.JanitorInterval, logger.With("component", "janitor"))

	webhookHandler := handler.NewWebhookHandler(events, processor, mp.MerchantOrderURL, cfg.WebhookSecret)
	orderContextHandler := handler.NewOrderContextHandler(contexts)
	healthHandler := handler.NewHealthHandler(db, processor)
	requireCheckout := middleware.Auth(cfg.CheckoutJWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/webhooks/mercadopago", webhookHandler.ReceiveMercadoPago)
	mux.Handle("PUT /api/v1/orders/{ref}/context", requireCheckout(http.HandlerFunc(orderContextHandler.Put)))

	var h http.Handler = mux
	h = middleware.Logging(h)
	h = middleware.Tracing(h)
	h = middleware.Recovery(h)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processor.Start(workCtx)
	}()
	go func() {
		defer wg.Done()
		janitor.Start(workCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", addr, "signature_check", cfg.WebhookSecret != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancelWork()
			wg.Wait()
			return fmt.Errorf("run: %w", err)
		}
	}

	// Stop taking deliveries first, then let workers finish what they hold.
	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancelWork()
	wg.Wait()
	return nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set; confirmations are logged instead of emailed")
		return notify.NewLogNotifier(logger.With("component", "notifier")), nil
	}
	n, err := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.SMTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("newNotifier: %w", err)
	}
	return n, nil
}
