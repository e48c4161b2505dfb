package invoicing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mofresh/mofresh-erp/internal/platform/db"
)

// Source statuses the builder accepts. Order and rental modules own their
// full lifecycles; only these values are eligible for invoicing.
const (
	OrderStatusApproved  = "APPROVED"
	RentalStatusApproved = "APPROVED"
	RentalStatusActive   = "ACTIVE"
)

// OrderSource is the read-only contract the order module implements.
// q is the invoicing transaction; implementations read the order row FOR
// SHARE so its status cannot change before the invoice commits.
// Implementations return a shared.ErrNotFound kind error for unknown ids.
type OrderSource interface {
	OrderForInvoicing(ctx context.Context, q db.DBTX, orderID int64) (*OrderInfo, error)
}

// RentalSource is the read-only contract the rental module implements.
// It locks the rental row the same way OrderSource does.
type RentalSource interface {
	RentalForInvoicing(ctx context.Context, q db.DBTX, rentalID int64) (*RentalInfo, error)
}

// OrderInfo is the invoicing view of a customer order.
type OrderInfo struct {
	ID         int64
	Status     string
	ClientID   int64
	SiteID     int64
	SiteName   string
	ApprovedBy *int64
	ApprovedAt *time.Time
	Items      []OrderLine
}

// OrderLine is one ordered product priced at order time.
type OrderLine struct {
	ProductName string
	Quantity    decimal.Decimal
	Unit        string
	UnitPrice   decimal.Decimal
}

// AssetKind names the rentable cold-chain assets.
type AssetKind string

const (
	AssetColdBox   AssetKind = "COLD_BOX"
	AssetColdPlate AssetKind = "COLD_PLATE"
	AssetTricycle  AssetKind = "TRICYCLE"
)

// Label returns the human name used on invoice lines.
func (k AssetKind) Label() string {
	switch k {
	case AssetColdBox:
		return "Cold Box"
	case AssetColdPlate:
		return "Cold Plate"
	case AssetTricycle:
		return "Tricycle"
	default:
		return string(k)
	}
}

// AssetRef identifies a rented asset. Identifier is the identification
// number for boxes and plates and the plate number for tricycles.
type AssetRef struct {
	ID         int64
	Identifier string
}

// RentalInfo is the invoicing view of an asset rental.
type RentalInfo struct {
	ID           int64
	Status       string
	ClientID     int64
	SiteID       int64
	SiteName     string
	ColdBox      *AssetRef
	ColdPlate    *AssetRef
	Tricycle     *AssetRef
	StartDate    time.Time
	EndDate      time.Time
	EstimatedFee decimal.Decimal
	ActualFee    *decimal.Decimal
	ApprovedBy   *int64
	ApprovedAt   *time.Time
}

// Asset returns the single attached asset, or false when none or several are attached.
func (r RentalInfo) Asset() (AssetKind, AssetRef, bool) {
	var (
		kind  AssetKind
		ref   AssetRef
		count int
	)
	if r.ColdBox != nil {
		kind, ref = AssetColdBox, *r.ColdBox
		count++
	}
	if r.ColdPlate != nil {
		kind, ref = AssetColdPlate, *r.ColdPlate
		count++
	}
	if r.Tricycle != nil {
		kind, ref = AssetTricycle, *r.Tricycle
		count++
	}
	if count != 1 {
		return "", AssetRef{}, false
	}
	return kind, ref, true
}

// Fee returns the actual fee when recorded, otherwise the estimate.
func (r RentalInfo) Fee() decimal.Decimal {
	if r.ActualFee != nil {
		return *r.ActualFee
	}
	return r.EstimatedFee
}
