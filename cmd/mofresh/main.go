package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mofresh/mofresh-erp/internal/app"
	"github.com/mofresh/mofresh-erp/internal/audit"
	"github.com/mofresh/mofresh-erp/internal/invoicing"
	"github.com/mofresh/mofresh-erp/internal/momo"
	"github.com/mofresh/mofresh-erp/internal/observability"
	"github.com/mofresh/mofresh-erp/internal/platform/cache"
	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/jobs"
	"github.com/mofresh/mofresh-erp/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	ledger := app.NewInvoicing(cfg, dbpool, redisClient, metrics, logger)

	jobClient, err := jobs.NewClient(cfg.Redis().Asynq(), jobs.ClientConfig{
		ReconcileDelay:    cfg.MomoReconcileDelay,
		ReconcileMaxRetry: cfg.MomoReconcileMaxRetry,
	})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	ledger.Reconciler.SetEnqueuer(jobClient)

	pdfClient := report.NewClient(cfg.GotenbergURL)
	invoiceRenderer, err := report.NewInvoiceRenderer(pdfClient, cfg.MomoCurrency)
	if err != nil {
		logger.Error("init invoice renderer", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(cfg.Redis().Asynq())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	jobHandler := jobs.NewHandler(inspector, logger)
	jobHandler.SetOverdueScanner(jobClient)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		InvoicingHandler: invoicing.NewHandler(logger, ledger.Service),
		ReportHandler:    report.NewHandler(pdfClient, ledger.Service, invoiceRenderer, logger),
		AuditHandler:     audit.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool))),
		WebhookHandler: momo.NewWebhookHandler(ledger.Reconciler, momo.WebhookConfig{
			Token:     cfg.MomoCallbackToken,
			RateLimit: cfg.MomoWebhookRateLimit,
		}, logger),
		JobHandler: jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
