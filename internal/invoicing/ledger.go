package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

const minVoidReasonLength = 3

// PaymentResult reports the outcome of a settlement call.
type PaymentResult struct {
	Invoice *Invoice `json:"invoice,omitempty"`
	Payment *Payment `json:"payment,omitempty"`
	// Applied is false when the call was an idempotent replay.
	Applied bool `json:"applied"`
}

// UnpaidReport is the unpaid/overdue view.
type UnpaidReport struct {
	Invoices   []UnpaidInvoice   `json:"invoices"`
	Summary    UnpaidSummary     `json:"summary"`
	Pagination shared.Pagination `json:"pagination"`
}

// MarkPaid records a settled manual payment of amount against the invoice.
// A PAID or VOID invoice is rejected with INVALID_TRANSITION whatever the
// amount; otherwise the amount is validated before it is applied.
func (s *Service) MarkPaid(ctx context.Context, invoiceID int64, amount decimal.Decimal, userID *int64) (*PaymentResult, error) {
	now := s.now()
	var result PaymentResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := acceptsPayments(inv); err != nil {
			return err
		}
		if err := validateAmount(amount); err != nil {
			return err
		}
		updated, applied, err := s.applyPayment(ctx, tx, inv, amount, now)
		if err != nil {
			return err
		}
		payment, err := tx.InsertPayment(ctx, Payment{
			InvoiceID: inv.ID,
			Amount:    applied,
			Currency:  s.currency,
			Method:    MethodManual,
			Status:    PaymentSuccessful,
			PaidAt:    &now,
			CreatedBy: userID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("insert manual payment: %w", err)
		}
		result = PaymentResult{Invoice: updated, Payment: payment, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterPayment(ctx, userID, &result)
	return &result, nil
}

// applyPayment adds amount to a locked invoice and persists the derived
// status. It returns the amount actually credited, which is clamped to the
// total when the excess is within tolerance.
func (s *Service) applyPayment(ctx context.Context, tx TxRepository, inv *Invoice, amount decimal.Decimal, now time.Time) (*Invoice, decimal.Decimal, error) {
	if err := acceptsPayments(inv); err != nil {
		return nil, decimal.Zero, err
	}
	paid := inv.PaidAmount.Add(amount)
	if excess := paid.Sub(inv.TotalAmount); excess.IsPositive() {
		if excess.GreaterThan(s.policy.OverpaymentTolerance) {
			return nil, decimal.Zero, shared.E(shared.KindOverpayment, "payment exceeds amount due on %s by %s", inv.InvoiceNumber, excess.StringFixed(2)).
				WithDetail("excess", excess.StringFixed(2)).
				WithDetail("outstanding", inv.Outstanding().StringFixed(2))
		}
		amount = amount.Sub(excess)
		paid = inv.TotalAmount
	}

	status := DeriveStatus(paid, inv.TotalAmount, false)
	var paidAt *time.Time
	if status == StatusPaid {
		paidAt = &now
	}
	if err := tx.UpdateInvoicePayment(ctx, inv.ID, paid, status, paidAt); err != nil {
		return nil, decimal.Zero, fmt.Errorf("update invoice payment: %w", err)
	}

	updated := *inv
	updated.PaidAmount = paid
	updated.Status = status
	updated.PaidAt = paidAt
	updated.UpdatedAt = now
	return &updated, amount, nil
}

func (s *Service) afterPayment(ctx context.Context, userID *int64, result *PaymentResult) {
	if result == nil || result.Invoice == nil || result.Payment == nil {
		return
	}
	s.metrics.PaymentApplied(result.Payment.Method)
	s.recordAudit(ctx, userID, shared.AuditInvoicePaid, "invoice", result.Invoice.ID, map[string]any{
		"payment_id":  result.Payment.ID,
		"method":      string(result.Payment.Method),
		"amount":      result.Payment.Amount.StringFixed(2),
		"paid_amount": result.Invoice.PaidAmount.StringFixed(2),
		"status":      string(result.Invoice.Status),
	})
	s.invalidateSummary(ctx)
	s.logger.Info("payment applied",
		slog.Int64("invoice_id", result.Invoice.ID),
		slog.String("amount", result.Payment.Amount.StringFixed(2)),
		slog.String("status", string(result.Invoice.Status)),
	)
}

// VoidInvoice cancels an unpaid or partially paid invoice.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID int64, reason string, userID *int64) (*Invoice, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < minVoidReasonLength {
		return nil, shared.E(shared.KindValidation, "void reason must be at least %d characters", minVoidReasonLength)
	}
	now := s.now()
	var voided *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.CanVoid() {
			return shared.E(shared.KindInvalidTransition, "invoice %s is %s and cannot be voided", inv.InvoiceNumber, inv.Status).
				WithDetail("status", string(inv.Status))
		}
		if err := tx.VoidInvoice(ctx, inv.ID, reason, userID, now); err != nil {
			return fmt.Errorf("void invoice: %w", err)
		}
		updated := *inv
		updated.Status = StatusVoid
		updated.VoidedAt = &now
		updated.VoidedBy = userID
		updated.VoidReason = reason
		updated.UpdatedAt = now
		voided = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, userID, shared.AuditInvoiceVoided, "invoice", voided.ID, map[string]any{
		"invoice_number": voided.InvoiceNumber,
		"reason":         reason,
	})
	s.invalidateSummary(ctx)
	return voided, nil
}

// GetInvoice returns an invoice with its lines and payments.
func (s *Service) GetInvoice(ctx context.Context, invoiceID int64) (*WithDetails, error) {
	return s.repo.GetInvoiceWithDetails(ctx, invoiceID)
}

// ListInvoices returns a filtered page of invoices.
func (s *Service) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, shared.Pagination, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.Pagination{}, shared.E(shared.KindValidation, "unknown invoice status %q", filter.Status)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, shared.Pagination{}, shared.E(shared.KindValidation, "date range is inverted")
	}
	filter.Page, filter.Limit = shared.NormalizePage(filter.Page, filter.Limit)
	invoices, total, err := s.repo.ListInvoices(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("list invoices: %w", err)
	}
	if invoices == nil {
		invoices = []Invoice{}
	}
	return invoices, shared.NewPagination(filter.Page, filter.Limit, total), nil
}

// ListUnpaid returns outstanding invoices with overdue days and the aggregate summary.
func (s *Service) ListUnpaid(ctx context.Context, filter UnpaidFilter) (*UnpaidReport, error) {
	explicitAsOf := !filter.AsOf.IsZero()
	if !explicitAsOf {
		filter.AsOf = s.now()
	}
	filter.Page, filter.Limit = shared.NormalizePage(filter.Page, filter.Limit)

	invoices, total, err := s.repo.ListUnpaid(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list unpaid invoices: %w", err)
	}

	var summary UnpaidSummary
	load := func(ctx context.Context) (UnpaidSummary, error) {
		return s.repo.SummarizeUnpaid(ctx, filter)
	}
	if explicitAsOf {
		summary, err = load(ctx)
	} else {
		summary, err = s.cache.Summary(ctx, filter.SiteID, filter.ClientID, load)
	}
	if err != nil {
		return nil, fmt.Errorf("summarize unpaid invoices: %w", err)
	}

	report := &UnpaidReport{
		Invoices:   make([]UnpaidInvoice, 0, len(invoices)),
		Summary:    summary,
		Pagination: shared.NewPagination(filter.Page, filter.Limit, total),
	}
	for _, inv := range invoices {
		report.Invoices = append(report.Invoices, UnpaidInvoice{
			Invoice:     inv,
			Outstanding: inv.Outstanding(),
			DaysOverdue: DaysOverdue(inv.DueDate, filter.AsOf),
		})
	}
	return report, nil
}

// DaysOverdue counts started days past the due date, or zero when not yet due.
func DaysOverdue(due, asOf time.Time) int {
	if !asOf.After(due) {
		return 0
	}
	return int(math.Ceil(asOf.Sub(due).Hours() / 24))
}

// SummarizeUnpaid aggregates outstanding and overdue invoices as of asOf.
func SummarizeUnpaid(invoices []Invoice, asOf time.Time) UnpaidSummary {
	summary := UnpaidSummary{UnpaidAmount: decimal.Zero, OverdueAmount: decimal.Zero}
	for _, inv := range invoices {
		if inv.Status != StatusUnpaid && inv.Status != StatusPartiallyPaid {
			continue
		}
		outstanding := inv.Outstanding()
		summary.UnpaidCount++
		summary.UnpaidAmount = summary.UnpaidAmount.Add(outstanding)
		if inv.DueDate.Before(asOf) {
			summary.OverdueCount++
			summary.OverdueAmount = summary.OverdueAmount.Add(outstanding)
		}
	}
	return summary
}

func acceptsPayments(inv *Invoice) error {
	if inv.Status.IsTerminal() {
		return shared.E(shared.KindInvalidTransition, "invoice %s is %s and accepts no payments", inv.InvoiceNumber, inv.Status).
			WithDetail("status", string(inv.Status))
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return shared.E(shared.KindValidation, "payment amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return shared.E(shared.KindValidation, "payment amount has more than two decimal places")
	}
	return nil
}
