package invoicing

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

type fakeOrders map[int64]*OrderInfo

func (f fakeOrders) OrderForInvoicing(ctx context.Context, q db.DBTX, id int64) (*OrderInfo, error) {
	order, ok := f[id]
	if !ok {
		return nil, shared.E(shared.KindNotFound, "order %d not found", id)
	}
	cp := *order
	return &cp, nil
}

type fakeRentals map[int64]*RentalInfo

func (f fakeRentals) RentalForInvoicing(ctx context.Context, q db.DBTX, id int64) (*RentalInfo, error) {
	rental, ok := f[id]
	if !ok {
		return nil, shared.E(shared.KindNotFound, "rental %d not found", id)
	}
	cp := *rental
	return &cp, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	err      error
	requests []ChargeRequest
}

func (p *fakeProvider) RequestToPay(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &ChargeResult{Reference: req.Reference, Status: "PENDING"}, nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type countingMetrics struct {
	mu        sync.Mutex
	generated map[SourceType]int
	applied   map[PaymentMethod]int
	resolved  map[PaymentStatus]int
	unapplied map[string]int
	retries   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		generated: make(map[SourceType]int),
		applied:   make(map[PaymentMethod]int),
		resolved:  make(map[PaymentStatus]int),
		unapplied: make(map[string]int),
	}
}

func (m *countingMetrics) InvoiceGenerated(source SourceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generated[source]++
}

func (m *countingMetrics) PaymentApplied(method PaymentMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied[method]++
}

func (m *countingMetrics) PaymentResolved(status PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved[status]++
}

func (m *countingMetrics) PaymentUnapplied(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unapplied[reason]++
}

func (m *countingMetrics) SequenceRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memoryGuard) CheckAndInsert(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = make(map[string]bool)
	}
	if g.keys[module+":"+key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[module+":"+key] = true
	return nil
}

func (g *memoryGuard) Delete(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, module+":"+key)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, dec(want).StringFixed(2), got.StringFixed(2))
}

func requireKind(t *testing.T, err error, kind shared.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, shared.KindOf(err), "unexpected error: %v", err)
}
