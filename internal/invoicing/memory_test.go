package invoicing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

type memoryState struct {
	invoices      map[int64]Invoice
	items         map[int64][]Item
	payments      map[int64]Payment
	sequences     map[string]int64
	nextInvoiceID int64
	nextItemID    int64
	nextPaymentID int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		invoices:      make(map[int64]Invoice, len(s.invoices)),
		items:         make(map[int64][]Item, len(s.items)),
		payments:      make(map[int64]Payment, len(s.payments)),
		sequences:     make(map[string]int64, len(s.sequences)),
		nextInvoiceID: s.nextInvoiceID,
		nextItemID:    s.nextItemID,
		nextPaymentID: s.nextPaymentID,
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.items {
		out.items[k] = append([]Item(nil), v...)
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.sequences {
		out.sequences[k] = v
	}
	return out
}

// memoryRepo serialises transactions and restores a snapshot on error.
type memoryRepo struct {
	mu               sync.Mutex
	state            memoryState
	transientLocks   int
	sequenceAttempts int
	itemsErr         error
	// beforeTx runs as another writer would, just before a transaction starts.
	beforeTx func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		invoices:  make(map[int64]Invoice),
		items:     make(map[int64][]Item),
		payments:  make(map[int64]Payment),
		sequences: make(map[string]int64),
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.beforeTx != nil {
		r.beforeTx()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok {
		return nil, shared.E(shared.KindNotFound, "invoice %d not found", id)
	}
	return &inv, nil
}

func (r *memoryRepo) GetInvoiceWithDetails(ctx context.Context, id int64) (*WithDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok {
		return nil, shared.E(shared.KindNotFound, "invoice %d not found", id)
	}
	details := &WithDetails{Invoice: inv, Items: append([]Item{}, r.state.items[id]...), Payments: []Payment{}}
	for _, p := range r.sortedPayments() {
		if p.InvoiceID == id {
			details.Payments = append(details.Payments, p)
		}
	}
	return details, nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Invoice
	for _, inv := range r.sortedInvoices() {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if filter.ClientID > 0 && inv.ClientID != filter.ClientID {
			continue
		}
		if filter.SiteID > 0 && inv.SiteID != filter.SiteID {
			continue
		}
		if !filter.From.IsZero() && inv.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && inv.CreatedAt.After(filter.To) {
			continue
		}
		matched = append(matched, inv)
	}
	return paginate(matched, filter.Page, filter.Limit), len(matched), nil
}

func (r *memoryRepo) ListUnpaid(ctx context.Context, filter UnpaidFilter) ([]Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := r.unpaid(filter)
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].DueDate.Before(matched[j].DueDate) })
	return paginate(matched, filter.Page, filter.Limit), len(matched), nil
}

func (r *memoryRepo) SummarizeUnpaid(ctx context.Context, filter UnpaidFilter) (UnpaidSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SummarizeUnpaid(r.unpaid(filter), filter.AsOf), nil
}

func (r *memoryRepo) GetPaymentByRef(ctx context.Context, ref string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.state.payments {
		if p.MomoTransactionRef != nil && *p.MomoTransactionRef == ref {
			return &p, nil
		}
	}
	return nil, shared.E(shared.KindNotFound, "payment %s not found", ref)
}

func (r *memoryRepo) unpaid(filter UnpaidFilter) []Invoice {
	var out []Invoice
	for _, inv := range r.sortedInvoices() {
		if inv.Status != StatusUnpaid && inv.Status != StatusPartiallyPaid {
			continue
		}
		if filter.SiteID > 0 && inv.SiteID != filter.SiteID {
			continue
		}
		if filter.ClientID > 0 && inv.ClientID != filter.ClientID {
			continue
		}
		out = append(out, inv)
	}
	return out
}

func (r *memoryRepo) sortedInvoices() []Invoice {
	out := make([]Invoice, 0, len(r.state.invoices))
	for _, inv := range r.state.invoices {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryRepo) sortedPayments() []Payment {
	out := make([]Payment, 0, len(r.state.payments))
	for _, p := range r.state.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// paidSum totals successful payments for an invoice.
func (r *memoryRepo) paidSum(invoiceID int64) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := decimal.Zero
	for _, p := range r.state.payments {
		if p.InvoiceID == invoiceID && p.Status == PaymentSuccessful {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (r *memoryRepo) invoiceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.invoices)
}

func paginate(in []Invoice, page, limit int) []Invoice {
	offset := shared.Offset(page, limit)
	_, limit = shared.NormalizePage(page, limit)
	if offset >= len(in) {
		return nil
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) Querier() db.DBTX {
	return nil
}

func (t *memoryTx) IncrementSequence(ctx context.Context, siteID int64, year int) (int64, error) {
	t.repo.sequenceAttempts++
	if t.repo.transientLocks > 0 {
		t.repo.transientLocks--
		return 0, shared.E(shared.KindTransientLock, "lock timeout")
	}
	key := fmt.Sprintf("%d/%d", siteID, year)
	t.repo.state.sequences[key]++
	return t.repo.state.sequences[key], nil
}

func (t *memoryTx) FindInvoicesForSource(ctx context.Context, src SourceRef) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range t.repo.sortedInvoices() {
		if inv.Source() == src {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	for _, existing := range t.repo.state.invoices {
		if existing.Status != StatusVoid && existing.Source() == inv.Source() {
			return nil, shared.E(shared.KindDuplicate, "an active invoice already exists for this source")
		}
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return nil, insertInvoiceError(&pgconn.PgError{Code: db.CodeUniqueViolation, ConstraintName: constraintNumber}, inv.InvoiceNumber)
		}
	}
	t.repo.state.nextInvoiceID++
	inv.ID = t.repo.state.nextInvoiceID
	t.repo.state.invoices[inv.ID] = inv
	return &inv, nil
}

func (t *memoryTx) InsertItems(ctx context.Context, invoiceID int64, items []Item) ([]Item, error) {
	if t.repo.itemsErr != nil {
		return nil, t.repo.itemsErr
	}
	stored := make([]Item, 0, len(items))
	for _, it := range items {
		t.repo.state.nextItemID++
		it.ID = t.repo.state.nextItemID
		it.InvoiceID = invoiceID
		stored = append(stored, it)
	}
	t.repo.state.items[invoiceID] = append(t.repo.state.items[invoiceID], stored...)
	return stored, nil
}

func (t *memoryTx) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, ok := t.repo.state.invoices[id]
	if !ok {
		return nil, shared.E(shared.KindNotFound, "invoice %d not found", id)
	}
	return &inv, nil
}

func (t *memoryTx) UpdateInvoicePayment(ctx context.Context, id int64, paid decimal.Decimal, status Status, paidAt *time.Time) error {
	inv, ok := t.repo.state.invoices[id]
	if !ok || inv.Status.IsTerminal() {
		return shared.E(shared.KindInvalidTransition, "invoice %d no longer accepts payments", id)
	}
	inv.PaidAmount = paid
	inv.Status = status
	if paidAt != nil {
		inv.PaidAt = paidAt
	}
	t.repo.state.invoices[id] = inv
	return nil
}

func (t *memoryTx) VoidInvoice(ctx context.Context, id int64, reason string, voidedBy *int64, at time.Time) error {
	inv, ok := t.repo.state.invoices[id]
	if !ok || !inv.Status.CanVoid() {
		return shared.E(shared.KindInvalidTransition, "invoice %d cannot be voided", id)
	}
	inv.Status = StatusVoid
	inv.VoidReason = reason
	inv.VoidedBy = voidedBy
	inv.VoidedAt = &at
	t.repo.state.invoices[id] = inv
	return nil
}

func (t *memoryTx) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	if p.MomoTransactionRef != nil {
		for _, existing := range t.repo.state.payments {
			if existing.MomoTransactionRef != nil && *existing.MomoTransactionRef == *p.MomoTransactionRef {
				return nil, shared.E(shared.KindDuplicate, "transaction reference already used")
			}
		}
	}
	t.repo.state.nextPaymentID++
	p.ID = t.repo.state.nextPaymentID
	t.repo.state.payments[p.ID] = p
	return &p, nil
}

func (t *memoryTx) LockPaymentByRef(ctx context.Context, ref string) (*Payment, error) {
	for _, p := range t.repo.state.payments {
		if p.MomoTransactionRef != nil && *p.MomoTransactionRef == ref {
			return &p, nil
		}
	}
	return nil, shared.E(shared.KindNotFound, "payment %s not found", ref)
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p Payment) error {
	if _, ok := t.repo.state.payments[p.ID]; !ok {
		return shared.E(shared.KindNotFound, "payment %d not found", p.ID)
	}
	t.repo.state.payments[p.ID] = p
	return nil
}
