// Package invoicing turns approved orders and rentals into numbered invoices
// and settles them through manual and mobile-money payments.
package invoicing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusUnpaid        Status = "UNPAID"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
	StatusVoid          Status = "VOID"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusUnpaid, StatusPartiallyPaid, StatusPaid, StatusVoid:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusVoid
}

// CanVoid checks if the invoice may be voided.
func (s Status) CanVoid() bool {
	return s == StatusUnpaid || s == StatusPartiallyPaid
}

// DeriveStatus computes the invoice status from its paid amount.
func DeriveStatus(paid, total decimal.Decimal, voided bool) Status {
	switch {
	case voided:
		return StatusVoid
	case paid.GreaterThanOrEqual(total) && total.IsPositive():
		return StatusPaid
	case paid.IsPositive():
		return StatusPartiallyPaid
	default:
		return StatusUnpaid
	}
}

// SourceType identifies what an invoice bills.
type SourceType string

const (
	SourceOrder  SourceType = "ORDER"
	SourceRental SourceType = "RENTAL"
)

// SourceRef points at exactly one order or rental.
type SourceRef struct {
	Type SourceType
	ID   int64
}

// Invoice is the ledger header.
type Invoice struct {
	ID             int64           `json:"id"`
	InvoiceNumber  string          `json:"invoice_number"`
	OrderID        *int64          `json:"order_id"`
	RentalID       *int64          `json:"rental_id"`
	ClientID       int64           `json:"client_id"`
	SiteID         int64           `json:"site_id"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Status         Status          `json:"status"`
	DueDate        time.Time       `json:"due_date"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty"`
	VoidedBy       *int64          `json:"voided_by,omitempty"`
	VoidReason     string          `json:"void_reason,omitempty"`
	ReissuedFromID *int64          `json:"reissued_from_id,omitempty"`
	CreatedBy      *int64          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Source returns the entity the invoice bills.
func (i Invoice) Source() SourceRef {
	if i.OrderID != nil {
		return SourceRef{Type: SourceOrder, ID: *i.OrderID}
	}
	if i.RentalID != nil {
		return SourceRef{Type: SourceRental, ID: *i.RentalID}
	}
	return SourceRef{}
}

// Outstanding returns the amount still due.
func (i Invoice) Outstanding() decimal.Decimal {
	balance := i.TotalAmount.Sub(i.PaidAmount)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance
}

// Item is a write-once invoice line.
type Item struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// PaymentStatus enumerates payment states.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentSuccessful PaymentStatus = "SUCCESSFUL"
	PaymentFailed     PaymentStatus = "FAILED"
)

// IsTerminal reports whether the payment has been resolved.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccessful || s == PaymentFailed
}

// PaymentMethod describes how a payment was collected.
type PaymentMethod string

const (
	MethodMobileMoney PaymentMethod = "MOBILE_MONEY"
	MethodManual      PaymentMethod = "MANUAL"
)

// Payment is an attempt to settle (part of) an invoice.
type Payment struct {
	ID                     int64           `json:"id"`
	InvoiceID              int64           `json:"invoice_id"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	Method                 PaymentMethod   `json:"payment_method"`
	Status                 PaymentStatus   `json:"status"`
	MomoTransactionRef     *string         `json:"momo_transaction_ref,omitempty"`
	PhoneNumber            string          `json:"phone_number,omitempty"`
	ExternalID             string          `json:"external_id,omitempty"`
	FinancialTransactionID string          `json:"financial_transaction_id,omitempty"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	PaidAt                 *time.Time      `json:"paid_at,omitempty"`
	CreatedBy              *int64          `json:"created_by,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// WithDetails bundles an invoice with its lines and payments.
type WithDetails struct {
	Invoice
	Items    []Item    `json:"items"`
	Payments []Payment `json:"payments"`
}

// UnpaidInvoice is an outstanding invoice annotated with overdue days.
type UnpaidInvoice struct {
	Invoice
	Outstanding decimal.Decimal `json:"outstanding"`
	DaysOverdue int             `json:"days_overdue"`
}

// UnpaidSummary aggregates outstanding invoices.
type UnpaidSummary struct {
	UnpaidCount   int             `json:"unpaid_count"`
	UnpaidAmount  decimal.Decimal `json:"unpaid_amount"`
	OverdueCount  int             `json:"overdue_count"`
	OverdueAmount decimal.Decimal `json:"overdue_amount"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	Status   Status
	ClientID int64
	SiteID   int64
	From     time.Time
	To       time.Time
	Page     int
	Limit    int
}

// UnpaidFilter narrows the unpaid/overdue view.
type UnpaidFilter struct {
	SiteID   int64
	ClientID int64
	AsOf     time.Time
	Page     int
	Limit    int
}
