package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
	"github.com/mofresh/mofresh-erp/internal/momo"
	"github.com/mofresh/mofresh-erp/internal/orders"
	"github.com/mofresh/mofresh-erp/internal/rentals"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

// Invoicing bundles the ledger service with its provider integration.
type Invoicing struct {
	Service    *invoicing.Service
	Momo       *momo.Client
	Reconciler *momo.Reconciler
}

// NewInvoicing wires the invoicing service against Postgres and Redis. The
// MoMo client is nil when collection credentials are not configured.
func NewInvoicing(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics invoicing.Metrics, logger *slog.Logger) *Invoicing {
	repo := invoicing.NewRepository(pool, cfg.InvoiceSequenceLockTimeout)
	service := invoicing.NewService(repo,
		orders.NewInvoicingAdapter(pool),
		rentals.NewInvoicingAdapter(pool),
		invoicing.ServiceConfig{
			Policy: invoicing.Policy{
				TaxRate:              cfg.InvoiceTaxRate,
				DueDays:              cfg.InvoiceDueDays,
				OverpaymentTolerance: cfg.InvoiceOverpaymentTolerance,
			},
			SequenceMaxAttempts: cfg.InvoiceSequenceMaxAttempts,
			Currency:            cfg.MomoCurrency,
		},
	)
	service.SetLogger(logger.With(slog.String("component", "invoicing")))
	service.SetAudit(shared.NewAuditLogger(pool))
	service.SetIdempotency(shared.NewIdempotencyStore(pool))
	service.SetCache(invoicing.NewSummaryCache(redisClient, cfg.InvoiceSummaryCacheTTL))
	service.SetMetrics(metrics)

	out := &Invoicing{Service: service}
	if cfg.MomoEnabled() {
		out.Momo = momo.NewClient(momo.Config{
			BaseURL:           cfg.MomoBaseURL,
			SubscriptionKey:   cfg.MomoSubscriptionKey,
			APIUser:           cfg.MomoAPIUser,
			APIKey:            cfg.MomoAPIKey,
			TargetEnvironment: cfg.MomoTargetEnv,
			CallbackURL:       cfg.MomoCallbackURL,
		})
		service.SetProvider(out.Momo)
	} else {
		logger.Warn("momo credentials missing, mobile money collection disabled")
	}

	out.Reconciler = momo.NewReconciler(service, momo.ReconcilerConfig{
		NotFoundRetries: cfg.MomoWebhookNotFoundRetries,
		RetryDelay:      cfg.MomoWebhookRetryDelay,
	}, logger.With(slog.String("component", "momo")))
	if out.Momo != nil {
		out.Reconciler.SetStatusChecker(out.Momo)
	}
	return out
}
