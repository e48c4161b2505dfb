// Package orders exposes approved customer orders to invoicing.
package orders

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

// InvoicingAdapter loads orders for invoice generation. It never mutates
// order state; status checks belong to the invoice builder.
type InvoicingAdapter struct {
	pool *pgxpool.Pool
}

// NewInvoicingAdapter builds the adapter.
func NewInvoicingAdapter(pool *pgxpool.Pool) *InvoicingAdapter {
	return &InvoicingAdapter{pool: pool}
}

var _ invoicing.OrderSource = (*InvoicingAdapter)(nil)

// OrderForInvoicing returns the order header and its priced lines. The
// order row stays share-locked until q commits. A nil q reads from the pool.
func (a *InvoicingAdapter) OrderForInvoicing(ctx context.Context, q db.DBTX, id int64) (*invoicing.OrderInfo, error) {
	if q == nil {
		q = a.pool
	}
	const headerSQL = `
		SELECT o.id, o.status, o.client_id, o.site_id, s.name, o.approved_by, o.approved_at
		FROM orders o
		INNER JOIN sites s ON s.id = o.site_id
		WHERE o.id = $1
		FOR SHARE OF o`

	var info invoicing.OrderInfo
	if err := q.QueryRow(ctx, headerSQL, id).Scan(
		&info.ID,
		&info.Status,
		&info.ClientID,
		&info.SiteID,
		&info.SiteName,
		&info.ApprovedBy,
		&info.ApprovedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.E(shared.KindNotFound, "order %d not found", id)
		}
		return nil, fmt.Errorf("load order: %w", err)
	}

	const lineSQL = `
		SELECT p.name, oi.quantity, p.unit, oi.unit_price
		FROM order_items oi
		INNER JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`

	rows, err := q.Query(ctx, lineSQL, id)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line invoicing.OrderLine
		if err := rows.Scan(&line.ProductName, &line.Quantity, &line.Unit, &line.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		info.Items = append(info.Items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &info, nil
}
