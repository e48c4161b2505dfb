package invoicing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

// Repository is the pool-level persistence port of the ledger.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	GetInvoiceWithDetails(ctx context.Context, id int64) (*WithDetails, error)
	ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error)
	ListUnpaid(ctx context.Context, filter UnpaidFilter) ([]Invoice, int, error)
	SummarizeUnpaid(ctx context.Context, filter UnpaidFilter) (UnpaidSummary, error)
	GetPaymentByRef(ctx context.Context, ref string) (*Payment, error)
}

// TxRepository exposes the statements that must run inside one transaction.
type TxRepository interface {
	SequenceCounter
	Querier() db.DBTX
	FindInvoicesForSource(ctx context.Context, src SourceRef) ([]Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	InsertItems(ctx context.Context, invoiceID int64, items []Item) ([]Item, error)
	LockInvoice(ctx context.Context, id int64) (*Invoice, error)
	UpdateInvoicePayment(ctx context.Context, id int64, paid decimal.Decimal, status Status, paidAt *time.Time) error
	VoidInvoice(ctx context.Context, id int64, reason string, voidedBy *int64, at time.Time) error
	InsertPayment(ctx context.Context, p Payment) (*Payment, error)
	LockPaymentByRef(ctx context.Context, ref string) (*Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
}

// Metrics receives ledger events. Implementations must be safe for concurrent use.
type Metrics interface {
	InvoiceGenerated(source SourceType)
	PaymentApplied(method PaymentMethod)
	PaymentResolved(status PaymentStatus)
	PaymentUnapplied(reason string)
	SequenceRetry()
}

// AuditSink appends who did what to an invoice.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyGuard deduplicates client retried requests.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

type noopMetrics struct{}

func (noopMetrics) InvoiceGenerated(SourceType) {}
func (noopMetrics) PaymentApplied(PaymentMethod) {}
func (noopMetrics) PaymentResolved(PaymentStatus) {}
func (noopMetrics) PaymentUnapplied(string) {}
func (noopMetrics) SequenceRetry() {}

// ServiceConfig tunes the service.
type ServiceConfig struct {
	Policy                Policy
	SequenceMaxAttempts   int
	SequenceRetryInterval time.Duration
	Currency              string
}

// GenerateInput carries the optional arguments of invoice generation.
type GenerateInput struct {
	DueDate *time.Time
	UserID  *int64
}

// Service orchestrates invoice generation, settlement and queries.
type Service struct {
	repo      Repository
	orders    OrderSource
	rentals   RentalSource
	policy    Policy
	currency  string
	allocator *Allocator
	provider  PaymentProvider
	audit     AuditSink
	cache     *SummaryCache
	metrics   Metrics
	idem      IdempotencyGuard
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the invoicing service.
func NewService(repo Repository, orders OrderSource, rentals RentalSource, cfg ServiceConfig) *Service {
	policy := cfg.Policy
	if policy.DueDays <= 0 {
		policy.DueDays = DefaultPolicy().DueDays
	}
	if policy.OverpaymentTolerance.IsNegative() {
		policy.OverpaymentTolerance = decimal.Zero
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "RWF"
	}
	s := &Service{
		repo:      repo,
		orders:    orders,
		rentals:   rentals,
		policy:    policy,
		currency:  currency,
		allocator: NewAllocator(cfg.SequenceMaxAttempts, cfg.SequenceRetryInterval),
		metrics:   noopMetrics{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	s.allocator.OnRetry(func(err error) {
		s.metrics.SequenceRetry()
		s.logger.Warn("invoice sequence busy, retrying", slog.Any("error", err))
	})
	return s
}

// SetProvider attaches the mobile-money provider.
func (s *Service) SetProvider(p PaymentProvider) {
	s.provider = p
}

// SetAudit attaches the audit sink.
func (s *Service) SetAudit(a AuditSink) {
	s.audit = a
}

// SetCache attaches the unpaid summary cache.
func (s *Service) SetCache(c *SummaryCache) {
	s.cache = c
}

// SetMetrics attaches a metrics recorder.
func (s *Service) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

// SetLogger overrides the default logger.
func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetIdempotency attaches the idempotency store used by manual payments.
func (s *Service) SetIdempotency(g IdempotencyGuard) {
	s.idem = g
}

// Policy returns the active pricing policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// GenerateOrderInvoice bills an approved order.
func (s *Service) GenerateOrderInvoice(ctx context.Context, orderID int64, in GenerateInput) (*WithDetails, error) {
	return s.issue(ctx, s.orderDraft(orderID, in), in.UserID, false)
}

// ReissueOrderInvoice bills an order again after its invoice was voided.
func (s *Service) ReissueOrderInvoice(ctx context.Context, orderID int64, in GenerateInput) (*WithDetails, error) {
	return s.issue(ctx, s.orderDraft(orderID, in), in.UserID, true)
}

// GenerateRentalInvoice bills an approved or active rental.
func (s *Service) GenerateRentalInvoice(ctx context.Context, rentalID int64, in GenerateInput) (*WithDetails, error) {
	return s.issue(ctx, s.rentalDraft(rentalID, in), in.UserID, false)
}

// ReissueRentalInvoice bills a rental again after its invoice was voided.
func (s *Service) ReissueRentalInvoice(ctx context.Context, rentalID int64, in GenerateInput) (*WithDetails, error) {
	return s.issue(ctx, s.rentalDraft(rentalID, in), in.UserID, true)
}

// draftLoader reads a source inside the invoicing transaction and builds
// its draft.
type draftLoader func(ctx context.Context, q db.DBTX, now time.Time) (*Draft, error)

func (s *Service) orderDraft(orderID int64, in GenerateInput) draftLoader {
	return func(ctx context.Context, q db.DBTX, now time.Time) (*Draft, error) {
		if s.orders == nil {
			return nil, errors.New("invoicing: order source not configured")
		}
		order, err := s.orders.OrderForInvoicing(ctx, q, orderID)
		if err != nil {
			return nil, fmt.Errorf("load order %d: %w", orderID, err)
		}
		return BuildOrderDraft(order, s.policy, in.DueDate, now)
	}
}

func (s *Service) rentalDraft(rentalID int64, in GenerateInput) draftLoader {
	return func(ctx context.Context, q db.DBTX, now time.Time) (*Draft, error) {
		if s.rentals == nil {
			return nil, errors.New("invoicing: rental source not configured")
		}
		rental, err := s.rentals.RentalForInvoicing(ctx, q, rentalID)
		if err != nil {
			return nil, fmt.Errorf("load rental %d: %w", rentalID, err)
		}
		return BuildRentalDraft(rental, s.policy, in.DueDate, now)
	}
}

// issue reads the source, numbers the draft and persists it in one
// transaction. The source row lock, sequence allocation, the header and the
// lines commit together or not at all.
func (s *Service) issue(ctx context.Context, load draftLoader, userID *int64, reissue bool) (*WithDetails, error) {
	now := s.now()
	year := now.Year()

	var (
		draft    *Draft
		result   *WithDetails
		previous *Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		draft, err = load(ctx, tx.Querier(), now)
		if err != nil {
			return err
		}
		siteName := draft.SiteName
		if siteName == "" {
			siteName = "SITE " + strconv.FormatInt(draft.SiteID, 10)
		}

		existing, err := tx.FindInvoicesForSource(ctx, draft.Source)
		if err != nil {
			return fmt.Errorf("find invoices for %s %d: %w", draft.Source.Type, draft.Source.ID, err)
		}
		previous = nil
		for i := range existing {
			inv := existing[i]
			if inv.Status != StatusVoid {
				return shared.E(shared.KindDuplicate, "%s %d already has invoice %s", sourceLabel(draft.Source.Type), draft.Source.ID, inv.InvoiceNumber).
					WithDetail("invoice_id", inv.ID).
					WithDetail("invoice_number", inv.InvoiceNumber)
			}
			if previous == nil || inv.ID > previous.ID {
				previous = &inv
			}
		}
		switch {
		case reissue && previous == nil:
			return shared.E(shared.KindInvalidTransition, "%s %d has no voided invoice to reissue", sourceLabel(draft.Source.Type), draft.Source.ID)
		case !reissue && previous != nil:
			return shared.E(shared.KindDuplicate, "%s %d was invoiced as %s; use reissue after void", sourceLabel(draft.Source.Type), draft.Source.ID, previous.InvoiceNumber).
				WithDetail("invoice_id", previous.ID).
				WithDetail("invoice_number", previous.InvoiceNumber)
		}

		seq, err := s.allocator.Next(ctx, tx, draft.SiteID, year)
		if err != nil {
			return err
		}

		header := Invoice{
			InvoiceNumber: FormatInvoiceNumber(siteName, year, seq),
			ClientID:      draft.ClientID,
			SiteID:        draft.SiteID,
			Subtotal:      draft.Subtotal,
			TaxAmount:     draft.TaxAmount,
			TotalAmount:   draft.Total,
			PaidAmount:    decimal.Zero,
			Status:        StatusUnpaid,
			DueDate:       draft.DueDate,
			CreatedBy:     userID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		sourceID := draft.Source.ID
		switch draft.Source.Type {
		case SourceOrder:
			header.OrderID = &sourceID
		case SourceRental:
			header.RentalID = &sourceID
		}
		if previous != nil {
			prevID := previous.ID
			header.ReissuedFromID = &prevID
		}

		created, err := tx.InsertInvoice(ctx, header)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		items, err := tx.InsertItems(ctx, created.ID, draft.Items)
		if err != nil {
			return fmt.Errorf("insert invoice items: %w", err)
		}
		result = &WithDetails{Invoice: *created, Items: items, Payments: []Payment{}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	action := shared.AuditInvoiceGenerated
	meta := map[string]any{
		"invoice_number": result.InvoiceNumber,
		"source":         string(draft.Source.Type),
		"source_id":      draft.Source.ID,
		"total":          result.TotalAmount.StringFixed(2),
	}
	if previous != nil {
		action = shared.AuditInvoiceReissued
		meta["reissued_from_id"] = previous.ID
	}
	s.metrics.InvoiceGenerated(draft.Source.Type)
	s.recordAudit(ctx, userID, action, "invoice", result.ID, meta)
	s.invalidateSummary(ctx)
	s.logger.Info("invoice generated",
		slog.Int64("invoice_id", result.ID),
		slog.String("invoice_number", result.InvoiceNumber),
		slog.String("source", string(draft.Source.Type)),
		slog.Int64("source_id", draft.Source.ID),
	)
	return result, nil
}

func (s *Service) recordAudit(ctx context.Context, actor *int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.now(),
	}
	if actor != nil {
		log.ActorID = *actor
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) invalidateSummary(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("invalidate unpaid summary", slog.Any("error", err))
	}
}

func sourceLabel(t SourceType) string {
	if t == SourceRental {
		return "rental"
	}
	return "order"
}
