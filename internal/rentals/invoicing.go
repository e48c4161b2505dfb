// Package rentals exposes cold-chain asset rentals to invoicing.
package rentals

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mofresh/mofresh-erp/internal/invoicing"
	"github.com/mofresh/mofresh-erp/internal/platform/db"
	"github.com/mofresh/mofresh-erp/internal/shared"
)

// InvoicingAdapter loads rentals for invoice generation.
type InvoicingAdapter struct {
	pool *pgxpool.Pool
}

// NewInvoicingAdapter builds the adapter.
func NewInvoicingAdapter(pool *pgxpool.Pool) *InvoicingAdapter {
	return &InvoicingAdapter{pool: pool}
}

var _ invoicing.RentalSource = (*InvoicingAdapter)(nil)

// RentalForInvoicing returns the rental with whichever asset is attached,
// share-locking the rental row inside q. A nil q reads from the pool.
func (a *InvoicingAdapter) RentalForInvoicing(ctx context.Context, q db.DBTX, id int64) (*invoicing.RentalInfo, error) {
	if q == nil {
		q = a.pool
	}
	const rentalSQL = `
		SELECT r.id, r.status, r.client_id, r.site_id, s.name,
		       r.cold_box_id, cb.identification_number,
		       r.cold_plate_id, cp.identification_number,
		       r.tricycle_id, t.plate_number,
		       r.start_date, r.end_date, r.estimated_fee, r.actual_fee,
		       r.approved_by, r.approved_at
		FROM rentals r
		INNER JOIN sites s ON s.id = r.site_id
		LEFT JOIN cold_boxes cb ON cb.id = r.cold_box_id
		LEFT JOIN cold_plates cp ON cp.id = r.cold_plate_id
		LEFT JOIN tricycles t ON t.id = r.tricycle_id
		WHERE r.id = $1
		FOR SHARE OF r`

	var (
		info                          invoicing.RentalInfo
		boxID, plateID, trikeID       *int64
		boxIdent, plateIdent, trikeNo *string
	)
	if err := q.QueryRow(ctx, rentalSQL, id).Scan(
		&info.ID, &info.Status, &info.ClientID, &info.SiteID, &info.SiteName,
		&boxID, &boxIdent,
		&plateID, &plateIdent,
		&trikeID, &trikeNo,
		&info.StartDate, &info.EndDate, &info.EstimatedFee, &info.ActualFee,
		&info.ApprovedBy, &info.ApprovedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.E(shared.KindNotFound, "rental %d not found", id)
		}
		return nil, fmt.Errorf("load rental: %w", err)
	}

	info.ColdBox = assetRef(boxID, boxIdent)
	info.ColdPlate = assetRef(plateID, plateIdent)
	info.Tricycle = assetRef(trikeID, trikeNo)
	return &info, nil
}

func assetRef(id *int64, identifier *string) *invoicing.AssetRef {
	if id == nil {
		return nil
	}
	ref := &invoicing.AssetRef{ID: *id}
	if identifier != nil {
		ref.Identifier = *identifier
	}
	return ref
}
