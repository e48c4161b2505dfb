package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a Postgres-backed audit reader.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, int, error) {
	where, args := timelineWhere(filters)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs%s
ORDER BY occurred_at DESC, id DESC
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var meta []byte
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, 0, err
		}
		row.Meta = decodeMeta(meta)
		out = append(out, row)
	}
	return out, total, rows.Err()
}

// timelineWhere builds the WHERE clause. An invoice filter matches the
// invoice's own entries and those of its payments.
func timelineWhere(filters TimelineFilters) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= ?", filters.From)
	}
	if !filters.To.IsZero() {
		add("occurred_at < ?", filters.To)
	}
	if filters.ActorID > 0 {
		add("actor_id = ?", filters.ActorID)
	}
	if action := strings.TrimSpace(filters.Action); action != "" {
		add("action = ?", action)
	}
	if filters.InvoiceID > 0 {
		add("((entity = 'invoice' AND entity_id = ?) OR (entity = 'payment' AND meta->>'invoice_id' = ?))", strconv.FormatInt(filters.InvoiceID, 10))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
