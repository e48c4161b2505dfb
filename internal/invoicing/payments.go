package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

// IdempotencyModule scopes manual payment keys in the idempotency store.
const IdempotencyModule = "invoicing.payments"

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// Outcome is the internal result of a provider callback.
type Outcome string

const (
	OutcomePending    Outcome = "PENDING"
	OutcomeSuccessful Outcome = "SUCCESSFUL"
	OutcomeFailed     Outcome = "FAILED"
)

func (o Outcome) paymentStatus() PaymentStatus {
	switch o {
	case OutcomeSuccessful:
		return PaymentSuccessful
	case OutcomeFailed:
		return PaymentFailed
	default:
		return PaymentPending
	}
}

// ChargeRequest asks the provider to debit a payer.
type ChargeRequest struct {
	Reference    string
	Amount       decimal.Decimal
	Currency     string
	PhoneNumber  string
	ExternalID   string
	PayerMessage string
}

// ChargeResult is the provider acknowledgement of a charge request.
type ChargeResult struct {
	Reference string
	Status    string
}

// PaymentProvider dispatches mobile-money charge requests.
type PaymentProvider interface {
	RequestToPay(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// ConfirmInput is a provider confirmation for a pending payment.
type ConfirmInput struct {
	TransactionRef         string
	Outcome                Outcome
	Amount                 *decimal.Decimal
	Reason                 string
	ExternalID             string
	FinancialTransactionID string
}

// RecordManualPayment applies a staff recorded payment. A non-empty
// idempotency key makes client retries fail with DUPLICATE instead of paying twice.
func (s *Service) RecordManualPayment(ctx context.Context, invoiceID int64, amount decimal.Decimal, userID *int64, idempotencyKey string) (*PaymentResult, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idempotencyKey, IdempotencyModule); err != nil {
			return nil, err
		}
	}
	result, err := s.MarkPaid(ctx, invoiceID, amount, userID)
	if err != nil {
		if idempotencyKey != "" && s.idem != nil {
			if delErr := s.idem.Delete(ctx, idempotencyKey, IdempotencyModule); delErr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", idempotencyKey), slog.Any("error", delErr))
			}
		}
		return nil, err
	}
	return result, nil
}

// InitiatePayment creates a pending mobile-money payment for the outstanding
// balance and dispatches the charge request.
func (s *Service) InitiatePayment(ctx context.Context, invoiceID int64, phone string, userID *int64) (*Payment, error) {
	phone = strings.TrimSpace(phone)
	if !phonePattern.MatchString(phone) {
		return nil, shared.E(shared.KindValidation, "invalid phone number")
	}
	if s.provider == nil {
		return nil, shared.E(shared.KindProvider, "mobile money provider not configured")
	}

	now := s.now()
	ref := uuid.NewString()
	var (
		pending *Payment
		invoice *Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status.IsTerminal() {
			return shared.E(shared.KindInvalidTransition, "invoice %s is %s and accepts no payments", inv.InvoiceNumber, inv.Status).
				WithDetail("status", string(inv.Status))
		}
		outstanding := inv.Outstanding()
		if !outstanding.IsPositive() {
			return shared.E(shared.KindInvalidTransition, "invoice %s has nothing outstanding", inv.InvoiceNumber)
		}
		payment, err := tx.InsertPayment(ctx, Payment{
			InvoiceID:          inv.ID,
			Amount:             outstanding,
			Currency:           s.currency,
			Method:             MethodMobileMoney,
			Status:             PaymentPending,
			MomoTransactionRef: &ref,
			PhoneNumber:        phone,
			ExternalID:         inv.InvoiceNumber,
			CreatedBy:          userID,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		if err != nil {
			return fmt.Errorf("insert pending payment: %w", err)
		}
		pending = payment
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = s.provider.RequestToPay(ctx, ChargeRequest{
		Reference:    ref,
		Amount:       pending.Amount,
		Currency:     pending.Currency,
		PhoneNumber:  phone,
		ExternalID:   invoice.InvoiceNumber,
		PayerMessage: "Payment for " + invoice.InvoiceNumber,
	})
	if err != nil {
		s.logger.Error("mobile money charge failed", slog.String("ref", ref), slog.Any("error", err))
		reason := "charge request failed: " + err.Error()
		if _, markErr := s.ConfirmPayment(ctx, ConfirmInput{TransactionRef: ref, Outcome: OutcomeFailed, Reason: reason}); markErr != nil {
			s.logger.Error("mark payment failed", slog.String("ref", ref), slog.Any("error", markErr))
		}
		return nil, shared.Wrap(shared.KindProvider, err, "mobile money charge for invoice %s failed", invoice.InvoiceNumber).
			WithDetail("transaction_ref", ref)
	}

	s.recordAudit(ctx, userID, shared.AuditPaymentInitiated, "payment", pending.ID, map[string]any{
		"invoice_id":      invoice.ID,
		"transaction_ref": ref,
		"amount":          pending.Amount.StringFixed(2),
	})
	return pending, nil
}

// ConfirmPayment resolves a pending payment by its transaction reference.
// Replays of an already resolved outcome are no-ops; a conflicting outcome
// is rejected with INVALID_TRANSITION.
func (s *Service) ConfirmPayment(ctx context.Context, in ConfirmInput) (*PaymentResult, error) {
	in.TransactionRef = strings.TrimSpace(in.TransactionRef)
	if in.TransactionRef == "" {
		return nil, shared.E(shared.KindValidation, "transaction reference required")
	}
	switch in.Outcome {
	case OutcomePending, OutcomeSuccessful, OutcomeFailed:
	default:
		return nil, shared.E(shared.KindValidation, "unknown payment outcome %q", in.Outcome)
	}
	if in.Amount != nil {
		if err := validateAmount(*in.Amount); err != nil {
			return nil, err
		}
	}

	now := s.now()
	var (
		result    PaymentResult
		unapplied *unappliedPayment
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		unapplied = nil
		payment, err := tx.LockPaymentByRef(ctx, in.TransactionRef)
		if err != nil {
			return err
		}
		result = PaymentResult{Payment: payment}

		target := in.Outcome.paymentStatus()
		if payment.Status.IsTerminal() {
			if target == payment.Status || target == PaymentPending {
				return nil
			}
			return shared.E(shared.KindInvalidTransition, "payment %s is already %s, got %s", in.TransactionRef, payment.Status, in.Outcome).
				WithDetail("status", string(payment.Status)).
				WithDetail("outcome", string(in.Outcome))
		}
		if target == PaymentPending {
			return nil
		}

		updated := *payment
		updated.Status = target
		updated.UpdatedAt = now
		if in.ExternalID != "" {
			updated.ExternalID = in.ExternalID
		}
		if in.FinancialTransactionID != "" {
			updated.FinancialTransactionID = in.FinancialTransactionID
		}

		if target == PaymentFailed {
			updated.FailureReason = in.Reason
			if err := tx.UpdatePayment(ctx, updated); err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
			result = PaymentResult{Payment: &updated, Applied: true}
			return nil
		}

		amount := payment.Amount
		if in.Amount != nil {
			amount = *in.Amount
		}
		inv, err := tx.LockInvoice(ctx, payment.InvoiceID)
		if err != nil {
			return err
		}
		invoice, applied, err := s.applyPayment(ctx, tx, inv, amount, now)
		if err != nil {
			if shared.IsKind(err, shared.KindInvalidTransition) || shared.IsKind(err, shared.KindOverpayment) {
				unapplied = &unappliedPayment{payment: *payment, invoice: *inv, amount: amount, cause: err}
			}
			return err
		}
		updated.Amount = applied
		updated.PaidAt = &now
		if err := tx.UpdatePayment(ctx, updated); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		result = PaymentResult{Invoice: invoice, Payment: &updated, Applied: true}
		return nil
	})
	if err != nil {
		if unapplied != nil {
			s.flagUnapplied(ctx, in.TransactionRef, unapplied)
		}
		return nil, err
	}
	if !result.Applied {
		s.logger.Info("payment confirmation replayed",
			slog.String("ref", in.TransactionRef),
			slog.String("status", string(result.Payment.Status)),
		)
		return &result, nil
	}

	s.metrics.PaymentResolved(result.Payment.Status)
	action := shared.AuditPaymentConfirmed
	if result.Payment.Status == PaymentFailed {
		action = shared.AuditPaymentFailed
	}
	s.recordAudit(ctx, nil, action, "payment", result.Payment.ID, map[string]any{
		"invoice_id":      result.Payment.InvoiceID,
		"transaction_ref": in.TransactionRef,
		"reason":          in.Reason,
	})
	if result.Invoice != nil {
		s.afterPayment(ctx, nil, &result)
	}
	return &result, nil
}

// unappliedPayment is a provider-confirmed collection the ledger refused,
// typically because the invoice was voided or settled in the meantime.
type unappliedPayment struct {
	payment Payment
	invoice Invoice
	amount  decimal.Decimal
	cause   error
}

func (u *unappliedPayment) reason() string {
	switch u.invoice.Status {
	case StatusVoid:
		return "invoice_void"
	case StatusPaid:
		return "invoice_paid"
	default:
		return "overpayment"
	}
}

// flagUnapplied leaves the payment PENDING and raises it for refund or
// manual allocation through the audit trail, metrics and an error log.
func (s *Service) flagUnapplied(ctx context.Context, ref string, u *unappliedPayment) {
	reason := u.reason()
	s.metrics.PaymentUnapplied(reason)
	s.recordAudit(ctx, nil, shared.AuditPaymentUnapplied, "payment", u.payment.ID, map[string]any{
		"invoice_id":      u.invoice.ID,
		"invoice_status":  string(u.invoice.Status),
		"transaction_ref": ref,
		"amount":          u.amount.StringFixed(2),
		"reason":          reason,
	})
	s.logger.Error("collected payment could not be applied",
		slog.String("ref", ref),
		slog.Int64("invoice_id", u.invoice.ID),
		slog.String("reason", reason),
		slog.Any("error", u.cause),
	)
}
