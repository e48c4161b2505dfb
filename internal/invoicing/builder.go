package invoicing

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

const rentalUnit = "days"

// Policy holds the pricing and settlement knobs of the ledger.
type Policy struct {
	TaxRate              decimal.Decimal
	DueDays              int
	OverpaymentTolerance decimal.Decimal
}

// DefaultPolicy is 18% VAT, seven day terms and no overpayment tolerance.
func DefaultPolicy() Policy {
	return Policy{
		TaxRate:              decimal.RequireFromString("0.18"),
		DueDays:              7,
		OverpaymentTolerance: decimal.Zero,
	}
}

// Draft is an invoice computed from a source entity, before numbering.
type Draft struct {
	Source    SourceRef
	ClientID  int64
	SiteID    int64
	SiteName  string
	Items     []Item
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
	DueDate   time.Time
}

// BuildOrderDraft validates an order and computes its invoice lines.
func BuildOrderDraft(order *OrderInfo, policy Policy, dueDate *time.Time, now time.Time) (*Draft, error) {
	if order == nil {
		return nil, shared.E(shared.KindNotFound, "order not found")
	}
	if order.Status != OrderStatusApproved {
		return nil, shared.E(shared.KindInvalidStatus, "order %d must be %s to invoice, got %s", order.ID, OrderStatusApproved, order.Status).
			WithDetail("status", order.Status)
	}
	if len(order.Items) == 0 {
		return nil, shared.E(shared.KindNoItems, "order %d has no items", order.ID)
	}

	items := make([]Item, 0, len(order.Items))
	for i, line := range order.Items {
		if !line.Quantity.IsPositive() || line.UnitPrice.IsNegative() {
			return nil, shared.E(shared.KindValidation, "order %d line %d has invalid quantity or price", order.ID, i+1)
		}
		items = append(items, Item{
			Description: line.ProductName,
			Quantity:    line.Quantity,
			Unit:        line.Unit,
			UnitPrice:   line.UnitPrice,
			Subtotal:    line.Quantity.Mul(line.UnitPrice).Round(2),
		})
	}

	draft := &Draft{
		Source:   SourceRef{Type: SourceOrder, ID: order.ID},
		ClientID: order.ClientID,
		SiteID:   order.SiteID,
		SiteName: order.SiteName,
		Items:    items,
	}
	draft.applyTotals(policy, dueDate, now)
	// A zero total could never be settled and would sit in the unpaid view.
	if !draft.Total.IsPositive() {
		return nil, shared.E(shared.KindValidation, "order %d has no billable amount", order.ID)
	}
	return draft, nil
}

// BuildRentalDraft validates a rental and computes its single invoice line.
// The line subtotal is always the rental fee; the unit price is derived and
// may carry a rounding remainder.
func BuildRentalDraft(rental *RentalInfo, policy Policy, dueDate *time.Time, now time.Time) (*Draft, error) {
	if rental == nil {
		return nil, shared.E(shared.KindNotFound, "rental not found")
	}
	if rental.Status != RentalStatusApproved && rental.Status != RentalStatusActive {
		return nil, shared.E(shared.KindInvalidStatus, "rental %d must be %s or %s to invoice, got %s",
			rental.ID, RentalStatusApproved, RentalStatusActive, rental.Status).
			WithDetail("status", rental.Status)
	}
	kind, asset, ok := rental.Asset()
	if !ok {
		return nil, shared.E(shared.KindNoItems, "rental %d must reference exactly one asset", rental.ID)
	}
	fee := rental.Fee()
	if !fee.IsPositive() {
		return nil, shared.E(shared.KindValidation, "rental %d has no billable fee", rental.ID).
			WithDetail("fee", fee.StringFixed(2))
	}

	days := RentalDays(rental.StartDate, rental.EndDate)
	qty := decimal.NewFromInt(days)
	item := Item{
		Description: fmt.Sprintf("%s Rental - %s", kind.Label(), asset.Identifier),
		Quantity:    qty,
		Unit:        rentalUnit,
		UnitPrice:   fee.Div(qty).Round(2),
		Subtotal:    fee,
	}

	draft := &Draft{
		Source:   SourceRef{Type: SourceRental, ID: rental.ID},
		ClientID: rental.ClientID,
		SiteID:   rental.SiteID,
		SiteName: rental.SiteName,
		Items:    []Item{item},
	}
	draft.applyTotals(policy, dueDate, now)
	return draft, nil
}

// RentalDays counts started days between start and end, never less than one.
func RentalDays(start, end time.Time) int64 {
	if !end.After(start) {
		return 1
	}
	days := int64(math.Ceil(end.Sub(start).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

// ComputeTax applies the VAT rate rounded to two places.
func ComputeTax(subtotal, rate decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(rate).Round(2)
}

func (d *Draft) applyTotals(policy Policy, dueDate *time.Time, now time.Time) {
	subtotal := decimal.Zero
	for _, item := range d.Items {
		subtotal = subtotal.Add(item.Subtotal)
	}
	d.Subtotal = subtotal
	d.TaxAmount = ComputeTax(subtotal, policy.TaxRate)
	d.Total = d.Subtotal.Add(d.TaxAmount)
	if dueDate != nil && !dueDate.IsZero() {
		d.DueDate = *dueDate
	} else {
		d.DueDate = now.AddDate(0, 0, policy.DueDays)
	}
}
