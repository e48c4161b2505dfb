package momo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

type fakeConfirmer struct {
	mu       sync.Mutex
	calls    []invoicing.ConfirmInput
	missing  int
	err      error
	applied  bool
	status   invoicing.PaymentStatus
	blocking chan struct{}
}

func (f *fakeConfirmer) ConfirmPayment(ctx context.Context, in invoicing.ConfirmInput) (*invoicing.PaymentResult, error) {
	if f.blocking != nil {
		<-f.blocking
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.missing > 0 {
		f.missing--
		return nil, shared.E(shared.KindNotFound, "payment %s not found", in.TransactionRef)
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = invoicing.PaymentSuccessful
	}
	return &invoicing.PaymentResult{
		Invoice: &invoicing.Invoice{Status: invoicing.StatusPaid},
		Payment: &invoicing.Payment{Status: status},
		Applied: f.applied,
	}, nil
}

func (f *fakeConfirmer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeEnqueuer struct {
	refs []string
	err  error
}

func (f *fakeEnqueuer) EnqueueReconcile(ctx context.Context, ref string) error {
	f.refs = append(f.refs, ref)
	return f.err
}

type fakeChecker struct {
	status *TransferStatus
	err    error
}

func (f fakeChecker) TransferStatus(ctx context.Context, ref string) (*TransferStatus, error) {
	return f.status, f.err
}

func newTestReconciler(c Confirmer, retries int) *Reconciler {
	return NewReconciler(c, ReconcilerConfig{NotFoundRetries: retries, RetryDelay: time.Millisecond}, nil)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]invoicing.Outcome{
		"SUCCESSFUL": invoicing.OutcomeSuccessful,
		"paid":       invoicing.OutcomeSuccessful,
		"Failed":     invoicing.OutcomeFailed,
		" PENDING ":  invoicing.OutcomePending,
	}
	for in, want := range cases {
		got, ok := MapStatus(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	_, ok := MapStatus("REJECTED_BY_BANK")
	require.False(t, ok)
}

func TestReasonAcceptsStringOrObject(t *testing.T) {
	var cb Callback
	require.NoError(t, json.Unmarshal([]byte(`{"referenceId":"r","status":"FAILED","reason":"LOW_BALANCE"}`), &cb))
	require.Equal(t, Reason("LOW_BALANCE"), cb.Reason)
	require.Equal(t, "r", cb.Ref())

	require.NoError(t, json.Unmarshal([]byte(`{"transactionRef":"t","status":"FAILED","reason":{"code":"NOT_ENOUGH_FUNDS"}}`), &cb))
	require.Equal(t, Reason("NOT_ENOUGH_FUNDS"), cb.Reason)
	require.Equal(t, "t", cb.Ref())
}

func TestHandleAppliesSuccessfulCallback(t *testing.T) {
	confirmer := &fakeConfirmer{applied: true}
	rec := newTestReconciler(confirmer, 0)
	amount := decimal.NewFromInt(23600)

	res := rec.Handle(t.Context(), Callback{TransactionRef: "ref-1", Status: "SUCCESSFUL", Amount: &amount, FinancialTransactionID: "ft-1"})
	require.Equal(t, ResultApplied, res.Result)
	require.Equal(t, "SUCCESSFUL", res.PaymentStatus)
	require.Equal(t, "PAID", res.InvoiceStatus)

	require.Len(t, confirmer.calls, 1)
	in := confirmer.calls[0]
	require.Equal(t, invoicing.OutcomeSuccessful, in.Outcome)
	require.True(t, in.Amount.Equal(amount))
	require.Equal(t, "ft-1", in.FinancialTransactionID)
}

func TestHandleReportsDuplicateDelivery(t *testing.T) {
	rec := newTestReconciler(&fakeConfirmer{applied: false}, 0)

	res := rec.Handle(t.Context(), Callback{TransactionRef: "ref-1", Status: "SUCCESSFUL"})
	require.Equal(t, ResultDuplicate, res.Result)
}

func TestHandlePendingIsAcknowledged(t *testing.T) {
	rec := newTestReconciler(&fakeConfirmer{status: invoicing.PaymentPending}, 0)

	res := rec.Handle(t.Context(), Callback{TransactionRef: "ref-1", Status: "PENDING"})
	require.Equal(t, ResultPending, res.Result)
}

func TestHandleRejectsMissingRefAndUnknownStatus(t *testing.T) {
	confirmer := &fakeConfirmer{}
	rec := newTestReconciler(confirmer, 0)

	require.Equal(t, ResultRejected, rec.Handle(t.Context(), Callback{Status: "SUCCESSFUL"}).Result)
	require.Equal(t, ResultRejected, rec.Handle(t.Context(), Callback{TransactionRef: "r", Status: "WEIRD"}).Result)
	require.Zero(t, confirmer.callCount())
}

func TestHandleRetriesUnknownReference(t *testing.T) {
	confirmer := &fakeConfirmer{missing: 2, applied: true}
	rec := newTestReconciler(confirmer, 3)

	res := rec.Handle(t.Context(), Callback{TransactionRef: "ref-1", Status: "SUCCESSFUL"})
	require.Equal(t, ResultApplied, res.Result)
	require.Equal(t, 3, confirmer.callCount())
}

func TestHandleDefersAfterRetriesExhausted(t *testing.T) {
	confirmer := &fakeConfirmer{missing: 10}
	queue := &fakeEnqueuer{}
	rec := newTestReconciler(confirmer, 2)
	rec.SetEnqueuer(queue)

	res := rec.Handle(t.Context(), Callback{TransactionRef: "ref-9", Status: "SUCCESSFUL"})
	require.Equal(t, ResultDeferred, res.Result)
	require.Equal(t, []string{"ref-9"}, queue.refs)
	require.Equal(t, 3, confirmer.callCount())
}

func TestHandleNotFoundWithoutQueue(t *testing.T) {
	rec := newTestReconciler(&fakeConfirmer{missing: 10}, 0)

	res := rec.Handle(t.Context(), Callback{TransactionRef: "ref-9", Status: "FAILED"})
	require.Equal(t, ResultNotFound, res.Result)
}

func TestHandleConflictAndError(t *testing.T) {
	rec := newTestReconciler(&fakeConfirmer{err: shared.E(shared.KindInvalidTransition, "payment already SUCCESSFUL")}, 0)
	require.Equal(t, ResultConflict, rec.Handle(t.Context(), Callback{TransactionRef: "r", Status: "FAILED"}).Result)

	rec = newTestReconciler(&fakeConfirmer{err: shared.E(shared.KindOverpayment, "too much")}, 0)
	res := rec.Handle(t.Context(), Callback{TransactionRef: "r", Status: "SUCCESSFUL"})
	require.Equal(t, ResultError, res.Result)
	require.Equal(t, string(shared.KindOverpayment), res.Message)
}

func TestHandleCollapsesConcurrentDeliveries(t *testing.T) {
	confirmer := &fakeConfirmer{applied: true, blocking: make(chan struct{})}
	rec := newTestReconciler(confirmer, 0)

	var wg sync.WaitGroup
	var started atomic.Int32
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(1)
			results[i] = rec.Handle(context.Background(), Callback{TransactionRef: "ref-1", Status: "SUCCESSFUL"})
		}()
	}
	require.Eventually(t, func() bool { return started.Load() == 5 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(confirmer.blocking)
	wg.Wait()

	require.LessOrEqual(t, confirmer.callCount(), 5)
	require.GreaterOrEqual(t, confirmer.callCount(), 1)
	for _, res := range results {
		require.Equal(t, ResultApplied, res.Result)
	}
}

func TestReconcileAppliesPolledStatus(t *testing.T) {
	confirmer := &fakeConfirmer{applied: true}
	rec := newTestReconciler(confirmer, 0)
	rec.SetStatusChecker(fakeChecker{status: &TransferStatus{Status: "SUCCESSFUL", Amount: decimal.NewFromInt(500), FinancialTransactionID: "ft"}})

	res, err := rec.Reconcile(t.Context(), "ref-1")
	require.NoError(t, err)
	require.Equal(t, ResultApplied, res.Result)
	require.True(t, confirmer.calls[0].Amount.Equal(decimal.NewFromInt(500)))
}

func TestReconcileKeepsRetryingWhilePending(t *testing.T) {
	confirmer := &fakeConfirmer{}
	rec := newTestReconciler(confirmer, 0)
	rec.SetStatusChecker(fakeChecker{status: &TransferStatus{Status: "PENDING"}})

	_, err := rec.Reconcile(t.Context(), "ref-1")
	require.ErrorIs(t, err, ErrStillPending)
	require.Zero(t, confirmer.callCount())
}

func TestReconcileSurfacesErrors(t *testing.T) {
	rec := newTestReconciler(&fakeConfirmer{missing: 1}, 0)
	_, err := rec.Reconcile(t.Context(), "ref-1")
	require.Error(t, err)

	rec.SetStatusChecker(fakeChecker{err: errors.New("boom")})
	_, err = rec.Reconcile(t.Context(), "ref-1")
	require.EqualError(t, err, "boom")

	rec.SetStatusChecker(fakeChecker{status: &TransferStatus{Status: "FAILED"}})
	res, err := rec.Reconcile(t.Context(), "ref-1")
	require.True(t, shared.IsKind(err, shared.KindNotFound))
	require.Equal(t, ResultNotFound, res.Result)
}
