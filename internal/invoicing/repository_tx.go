package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

const (
	constraintOrderActive  = "invoices_order_active_uniq"
	constraintRentalActive = "invoices_rental_active_uniq"
	constraintMomoRef      = "payments_momo_transaction_ref_key"
	constraintNumber       = "invoices_invoice_number_key"
)

// IncrementSequence bumps the (site, year) counter under its row lock,
// creating it at 1 on first use. It runs in a savepoint so a lock timeout
// can be retried without aborting the enclosing transaction.
func (t *txRepository) IncrementSequence(ctx context.Context, siteID int64, year int) (int64, error) {
	var value int64
	err := db.WithSavepoint(ctx, t.tx, func(sp pgx.Tx) error {
		return sp.QueryRow(ctx, `
			INSERT INTO invoice_sequences (site_id, year, last_value, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (site_id, year)
			DO UPDATE SET last_value = invoice_sequences.last_value + 1, updated_at = NOW()
			RETURNING last_value`, siteID, year).Scan(&value)
	})
	if err != nil {
		return 0, lockError(err, "increment sequence")
	}
	return value, nil
}

// FindInvoicesForSource lists every invoice ever issued for the source.
func (t *txRepository) FindInvoicesForSource(ctx context.Context, src SourceRef) ([]Invoice, error) {
	column := "order_id"
	if src.Type == SourceRental {
		column = "rental_id"
	}
	rows, err := t.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE `+column+` = $1 ORDER BY id`, src.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// InsertInvoice stores the header. A concurrent duplicate for the same
// source trips the partial unique index and is reported as DUPLICATE.
func (t *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoices (
			invoice_number, order_id, rental_id, client_id, site_id,
			subtotal, tax_amount, total_amount, paid_amount, status, due_date,
			reissued_from_id, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		inv.InvoiceNumber, inv.OrderID, inv.RentalID, inv.ClientID, inv.SiteID,
		inv.Subtotal, inv.TaxAmount, inv.TotalAmount, inv.PaidAmount, string(inv.Status), inv.DueDate,
		inv.ReissuedFromID, inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt,
	).Scan(&inv.ID)
	if err != nil {
		return nil, insertInvoiceError(err, inv.InvoiceNumber)
	}
	return &inv, nil
}

func insertInvoiceError(err error, number string) error {
	switch {
	case db.IsUniqueViolation(err, constraintOrderActive), db.IsUniqueViolation(err, constraintRentalActive):
		return shared.Wrap(shared.KindDuplicate, err, "an active invoice already exists for this source")
	case db.IsUniqueViolation(err, constraintNumber):
		return shared.Wrap(shared.KindNumberConflict, err, "invoice number %s is already taken by another site with the same normalised name", number).
			WithDetail("invoice_number", number)
	}
	return lockError(err, "insert invoice")
}

// InsertItems stores the invoice lines.
func (t *txRepository) InsertItems(ctx context.Context, invoiceID int64, items []Item) ([]Item, error) {
	stored := make([]Item, 0, len(items))
	for _, it := range items {
		it.InvoiceID = invoiceID
		err := t.tx.QueryRow(ctx, `
			INSERT INTO invoice_items (invoice_id, description, quantity, unit, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			invoiceID, it.Description, it.Quantity, it.Unit, it.UnitPrice, it.Subtotal,
		).Scan(&it.ID)
		if err != nil {
			return nil, err
		}
		stored = append(stored, it)
	}
	return stored, nil
}

// LockInvoice loads the invoice and holds its row lock until commit.
func (t *txRepository) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.E(shared.KindNotFound, "invoice %d not found", id)
		}
		return nil, lockError(err, "lock invoice")
	}
	return inv, nil
}

// UpdateInvoicePayment persists a new paid amount and derived status.
func (t *txRepository) UpdateInvoicePayment(ctx context.Context, id int64, paid decimal.Decimal, status Status, paidAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices
		SET paid_amount = $2, status = $3, paid_at = COALESCE($4, paid_at), updated_at = NOW()
		WHERE id = $1 AND status IN ('UNPAID', 'PARTIALLY_PAID')`,
		id, paid, string(status), paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.E(shared.KindInvalidTransition, "invoice %d no longer accepts payments", id)
	}
	return nil
}

// VoidInvoice marks the invoice VOID.
func (t *txRepository) VoidInvoice(ctx context.Context, id int64, reason string, voidedBy *int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices
		SET status = 'VOID', voided_at = $2, voided_by = $3, void_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('UNPAID', 'PARTIALLY_PAID')`,
		id, at, voidedBy, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.E(shared.KindInvalidTransition, "invoice %d cannot be voided", id)
	}
	return nil
}

// InsertPayment stores a payment row.
func (t *txRepository) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (
			invoice_id, amount, currency, payment_method, status,
			momo_transaction_ref, phone_number, external_id, financial_transaction_id,
			failure_reason, paid_at, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		p.InvoiceID, p.Amount, p.Currency, string(p.Method), string(p.Status),
		p.MomoTransactionRef, nullable(p.PhoneNumber), nullable(p.ExternalID), nullable(p.FinancialTransactionID),
		nullable(p.FailureReason), p.PaidAt, p.CreatedBy, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		if db.IsUniqueViolation(err, constraintMomoRef) {
			return nil, shared.Wrap(shared.KindDuplicate, err, "transaction reference already used")
		}
		return nil, err
	}
	return &p, nil
}

// LockPaymentByRef loads a payment by reference and holds its row lock.
func (t *txRepository) LockPaymentByRef(ctx context.Context, ref string) (*Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE momo_transaction_ref = $1 FOR UPDATE`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.E(shared.KindNotFound, "payment %s not found", ref)
		}
		return nil, lockError(err, "lock payment")
	}
	return p, nil
}

// UpdatePayment persists a payment resolution.
func (t *txRepository) UpdatePayment(ctx context.Context, p Payment) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET amount = $2, status = $3, external_id = $4, financial_transaction_id = $5,
			failure_reason = $6, paid_at = $7, updated_at = $8
		WHERE id = $1`,
		p.ID, p.Amount, string(p.Status), nullable(p.ExternalID), nullable(p.FinancialTransactionID),
		nullable(p.FailureReason), p.PaidAt, p.UpdatedAt)
	return err
}

func lockError(err error, op string) error {
	if db.IsLockFailure(err) {
		return shared.Wrap(shared.KindTransientLock, err, "%s: lock not acquired", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
