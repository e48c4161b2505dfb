package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

const invoiceColumns = `
	id, invoice_number, order_id, rental_id, client_id, site_id,
	subtotal, tax_amount, total_amount, paid_amount, status, due_date,
	paid_at, voided_at, voided_by, void_reason, reissued_from_id,
	created_by, created_at, updated_at`

const paymentColumns = `
	id, invoice_id, amount, currency, payment_method, status,
	momo_transaction_ref, phone_number, external_id, financial_transaction_id,
	failure_reason, paid_at, created_by, created_at, updated_at`

// repository implements Repository on PostgreSQL.
type repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// txRepository implements TxRepository on an open transaction.
type txRepository struct {
	tx pgx.Tx
}

// Querier exposes the transaction to source adapters.
func (t *txRepository) Querier() db.DBTX {
	return t.tx
}

// NewRepository builds the PostgreSQL repository. lockTimeout bounds every
// row and counter lock taken inside WithTx.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) Repository {
	return &repository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx runs fn in a read-committed transaction. Row locks serialise the
// counter and invoice updates, so waiters see the committed value instead
// of failing with a serialization error.
func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	opts := db.TxOptions{IsoLevel: pgx.ReadCommitted, LockTimeout: r.lockTimeout}
	return db.WithTxOptions(ctx, r.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetInvoice retrieves an invoice header.
func (r *repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.E(shared.KindNotFound, "invoice %d not found", id)
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// GetInvoiceWithDetails retrieves an invoice with lines and payments.
func (r *repository) GetInvoiceWithDetails(ctx context.Context, id int64) (*WithDetails, error) {
	inv, err := r.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := listItems(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	payments, err := listPayments(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	return &WithDetails{Invoice: *inv, Items: items, Payments: payments}, nil
}

// ListInvoices returns a page of invoices and the total match count.
func (r *repository) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.ClientID > 0 {
		add("client_id = $%d", filter.ClientID)
	}
	if filter.SiteID > 0 {
		add("site_id = $%d", filter.SiteID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	return r.listPage(ctx, where, args, "created_at DESC, id DESC", filter.Page, filter.Limit)
}

// ListUnpaid returns a page of outstanding invoices ordered by due date.
func (r *repository) ListUnpaid(ctx context.Context, filter UnpaidFilter) ([]Invoice, int, error) {
	where, args := unpaidWhere(filter)
	return r.listPage(ctx, where, args, "due_date ASC, id ASC", filter.Page, filter.Limit)
}

// SummarizeUnpaid aggregates outstanding and overdue balances.
func (r *repository) SummarizeUnpaid(ctx context.Context, filter UnpaidFilter) (UnpaidSummary, error) {
	where, args := unpaidWhere(filter)
	args = append(args, filter.AsOf)
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(total_amount - paid_amount), 0),
			COUNT(*) FILTER (WHERE due_date < $%[1]d),
			COALESCE(SUM(total_amount - paid_amount) FILTER (WHERE due_date < $%[1]d), 0)
		FROM invoices
		WHERE %[2]s`, len(args), strings.Join(where, " AND "))

	var summary UnpaidSummary
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&summary.UnpaidCount, &summary.UnpaidAmount,
		&summary.OverdueCount, &summary.OverdueAmount,
	)
	if err != nil {
		return UnpaidSummary{}, fmt.Errorf("summarize unpaid: %w", err)
	}
	return summary, nil
}

// GetPaymentByRef looks a payment up by its mobile-money reference.
func (r *repository) GetPaymentByRef(ctx context.Context, ref string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE momo_transaction_ref = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.E(shared.KindNotFound, "payment %s not found", ref)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *repository) listPage(ctx context.Context, where []string, args []any, order string, page, limit int) ([]Invoice, int, error) {
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	page, limit = shared.NormalizePage(page, limit)
	args = append(args, limit, shared.Offset(page, limit))
	query := fmt.Sprintf(`SELECT %s FROM invoices%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		invoiceColumns, clause, order, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	return invoices, total, rows.Err()
}

func unpaidWhere(filter UnpaidFilter) ([]string, []any) {
	where := []string{"status IN ('UNPAID', 'PARTIALLY_PAID')"}
	var args []any
	if filter.SiteID > 0 {
		args = append(args, filter.SiteID)
		where = append(where, fmt.Sprintf("site_id = $%d", len(args)))
	}
	if filter.ClientID > 0 {
		args = append(args, filter.ClientID)
		where = append(where, fmt.Sprintf("client_id = $%d", len(args)))
	}
	return where, args
}

func listItems(ctx context.Context, q db.DBTX, invoiceID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT id, invoice_id, description, quantity, unit, unit_price, subtotal
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Description, &it.Quantity, &it.Unit, &it.UnitPrice, &it.Subtotal); err != nil {
			return nil, fmt.Errorf("scan invoice item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func listPayments(ctx context.Context, q db.DBTX, invoiceID int64) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv        Invoice
		status     string
		voidReason *string
	)
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.OrderID, &inv.RentalID, &inv.ClientID, &inv.SiteID,
		&inv.Subtotal, &inv.TaxAmount, &inv.TotalAmount, &inv.PaidAmount, &status, &inv.DueDate,
		&inv.PaidAt, &inv.VoidedAt, &inv.VoidedBy, &voidReason, &inv.ReissuedFromID,
		&inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = Status(status)
	if voidReason != nil {
		inv.VoidReason = *voidReason
	}
	return &inv, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                                       Payment
		method, status                          string
		phone, externalID, financialID, failure *string
	)
	err := row.Scan(
		&p.ID, &p.InvoiceID, &p.Amount, &p.Currency, &method, &status,
		&p.MomoTransactionRef, &phone, &externalID, &financialID,
		&failure, &p.PaidAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Method = PaymentMethod(method)
	p.Status = PaymentStatus(status)
	p.PhoneNumber = deref(phone)
	p.ExternalID = deref(externalID)
	p.FinancialTransactionID = deref(financialID)
	p.FailureReason = deref(failure)
	return &p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
