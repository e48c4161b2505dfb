package momo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

// Delivery outcomes reported back to the provider and logged for reconciliation.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultPending   = "pending"
	ResultNotFound  = "not_found"
	ResultDeferred  = "deferred"
	ResultConflict  = "conflict"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

// Confirmer applies a provider confirmation to the ledger.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, in invoicing.ConfirmInput) (*invoicing.PaymentResult, error)
}

// Enqueuer schedules a later reconciliation for a reference that could not be matched.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, ref string) error
}

// StatusChecker polls the provider for the state of a reference.
type StatusChecker interface {
	TransferStatus(ctx context.Context, ref string) (*TransferStatus, error)
}

// Reason accepts either a plain string or the provider's {code, message} object.
type Reason string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reason) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = Reason(s)
		return nil
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	switch {
	case obj.Message != "":
		*r = Reason(obj.Message)
	default:
		*r = Reason(obj.Code)
	}
	return nil
}

// Callback is the inbound provider payload.
type Callback struct {
	TransactionRef         string           `json:"transactionRef"`
	ReferenceID            string           `json:"referenceId"`
	Status                 string           `json:"status"`
	Amount                 *decimal.Decimal `json:"amount"`
	Reason                 Reason           `json:"reason"`
	ExternalID             string           `json:"externalId"`
	FinancialTransactionID string           `json:"financialTransactionId"`
}

// Ref returns the transaction reference, falling back to referenceId.
func (c Callback) Ref() string {
	if ref := strings.TrimSpace(c.TransactionRef); ref != "" {
		return ref
	}
	return strings.TrimSpace(c.ReferenceID)
}

// Result is what the webhook acknowledges with.
type Result struct {
	TransactionRef string `json:"transaction_ref"`
	Result         string `json:"result"`
	PaymentStatus  string `json:"payment_status,omitempty"`
	InvoiceStatus  string `json:"invoice_status,omitempty"`
	Message        string `json:"message,omitempty"`
}

// MapStatus translates provider status vocabulary to an internal outcome.
func MapStatus(status string) (invoicing.Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PENDING":
		return invoicing.OutcomePending, true
	case "SUCCESSFUL", "PAID":
		return invoicing.OutcomeSuccessful, true
	case "FAILED":
		return invoicing.OutcomeFailed, true
	default:
		return "", false
	}
}

// ReconcilerConfig bounds the wait for callbacks that outrun their payment row.
type ReconcilerConfig struct {
	NotFoundRetries int
	RetryDelay      time.Duration
}

// Reconciler maps callbacks onto ledger confirmations.
type Reconciler struct {
	confirmer Confirmer
	enqueuer  Enqueuer
	checker   StatusChecker
	cfg       ReconcilerConfig
	logger    *slog.Logger
	group     singleflight.Group
}

// NewReconciler builds a Reconciler.
func NewReconciler(confirmer Confirmer, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.NotFoundRetries < 0 {
		cfg.NotFoundRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{confirmer: confirmer, cfg: cfg, logger: logger}
}

// SetEnqueuer attaches the deferred reconciliation queue.
func (r *Reconciler) SetEnqueuer(e Enqueuer) {
	r.enqueuer = e
}

// SetStatusChecker attaches the provider status API used by Reconcile.
func (r *Reconciler) SetStatusChecker(c StatusChecker) {
	r.checker = c
}

// Handle processes one callback delivery. It never returns an error: the
// business outcome is reported in the Result and logged.
func (r *Reconciler) Handle(ctx context.Context, cb Callback) Result {
	ref := cb.Ref()
	res := Result{TransactionRef: ref}
	if ref == "" {
		res.Result = ResultRejected
		res.Message = "missing transaction reference"
		r.logger.Warn("momo callback rejected", slog.String("reason", res.Message))
		return res
	}
	outcome, ok := MapStatus(cb.Status)
	if !ok {
		res.Result = ResultRejected
		res.Message = "unknown status " + cb.Status
		r.logger.Warn("momo callback rejected", slog.String("ref", ref), slog.String("status", cb.Status))
		return res
	}

	in := invoicing.ConfirmInput{
		TransactionRef:         ref,
		Outcome:                outcome,
		Amount:                 cb.Amount,
		Reason:                 string(cb.Reason),
		ExternalID:             cb.ExternalID,
		FinancialTransactionID: cb.FinancialTransactionID,
	}
	key := shared.WebhookFlightKey(ref, string(outcome))
	v, err, collapsed := r.group.Do(key, func() (interface{}, error) {
		return r.confirmWithRetry(ctx, in)
	})
	if collapsed {
		r.logger.Debug("momo callback collapsed with concurrent delivery", slog.String("ref", ref))
	}
	payment, _ := v.(*invoicing.PaymentResult)
	return r.describe(ctx, res, payment, err)
}

// ErrStillPending is returned by Reconcile while the provider has not
// resolved the request yet.
var ErrStillPending = errors.New("momo: payment still pending")

// Reconcile polls the provider for a reference and applies the result. It
// returns an error while the payment is still unresolved so the caller retries.
func (r *Reconciler) Reconcile(ctx context.Context, ref string) (Result, error) {
	if r.checker == nil {
		return Result{}, errors.New("momo: status checker not configured")
	}
	status, err := r.checker.TransferStatus(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	outcome, ok := MapStatus(status.Status)
	if !ok {
		return Result{TransactionRef: ref, Result: ResultRejected, Message: "unknown status " + status.Status}, nil
	}
	if outcome == invoicing.OutcomePending {
		return Result{TransactionRef: ref, Result: ResultPending}, ErrStillPending
	}
	in := invoicing.ConfirmInput{
		TransactionRef:         ref,
		Outcome:                outcome,
		Reason:                 string(status.Reason),
		ExternalID:             status.ExternalID,
		FinancialTransactionID: status.FinancialTransactionID,
	}
	if status.Amount.IsPositive() {
		amount := status.Amount
		in.Amount = &amount
	}
	res, err := r.confirmer.ConfirmPayment(ctx, in)
	if shared.IsKind(err, shared.KindNotFound) {
		return Result{TransactionRef: ref, Result: ResultNotFound}, err
	}
	out := Result{TransactionRef: ref}
	if err != nil && !shared.IsKind(err, shared.KindInvalidTransition) {
		return r.describe(ctx, out, nil, err), err
	}
	return r.describe(ctx, out, res, err), nil
}

// confirmWithRetry retries NOT_FOUND a bounded number of times, covering
// callbacks that arrive before the initiating transaction commits.
func (r *Reconciler) confirmWithRetry(ctx context.Context, in invoicing.ConfirmInput) (*invoicing.PaymentResult, error) {
	var res *invoicing.PaymentResult
	op := func() error {
		var err error
		res, err = r.confirmer.ConfirmPayment(ctx, in)
		if err == nil {
			return nil
		}
		if shared.IsKind(err, shared.KindNotFound) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.NotFoundRetries)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	return res, err
}

func (r *Reconciler) describe(ctx context.Context, res Result, payment *invoicing.PaymentResult, err error) Result {
	logger := r.logger.With(slog.String("ref", res.TransactionRef))
	switch {
	case err == nil:
		if payment != nil && payment.Payment != nil {
			res.PaymentStatus = string(payment.Payment.Status)
		}
		if payment != nil && payment.Invoice != nil {
			res.InvoiceStatus = string(payment.Invoice.Status)
		}
		switch {
		case payment != nil && payment.Applied:
			res.Result = ResultApplied
		case res.PaymentStatus == string(invoicing.PaymentPending):
			res.Result = ResultPending
		default:
			res.Result = ResultDuplicate
		}
		logger.Info("momo callback processed", slog.String("result", res.Result))
	case shared.IsKind(err, shared.KindNotFound):
		res.Result = ResultNotFound
		res.Message = "unknown transaction reference"
		if r.enqueuer != nil {
			if qErr := r.enqueuer.EnqueueReconcile(ctx, res.TransactionRef); qErr != nil {
				logger.Error("enqueue momo reconcile", slog.Any("error", qErr))
			} else {
				res.Result = ResultDeferred
			}
		}
		logger.Warn("momo callback for unknown payment", slog.String("result", res.Result))
	case shared.IsKind(err, shared.KindInvalidTransition):
		res.Result = ResultConflict
		res.Message = err.Error()
		logger.Error("momo callback conflicts with resolved payment", slog.Any("error", err))
	default:
		res.Result = ResultError
		res.Message = string(shared.KindOf(err))
		logger.Error("momo callback failed", slog.Any("error", err))
	}
	return res
}
