// Package audit reads the audit trail written by the invoicing workflow.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

// TimelineFilters narrows the audit timeline.
type TimelineFilters struct {
	From      time.Time
	To        time.Time
	ActorID   int64
	Action    string
	InvoiceID int64
	Page      int
	PageSize  int
}

// TimelineRow is one audit entry.
type TimelineRow struct {
	At       time.Time      `json:"at"`
	ActorID  *int64         `json:"actor_id,omitempty"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows       []TimelineRow     `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

// Repository loads audit rows.
type Repository interface {
	Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, int, error)
}

// Service coordinates audit reads.
type Service struct {
	repo Repository
}

// NewService builds a timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns a page of audit rows, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return Result{}, shared.E(shared.KindValidation, "date range is inverted")
	}
	page, perPage := shared.NormalizePage(filters.Page, filters.PageSize)
	rows, total, err := s.repo.Timeline(ctx, filters, perPage, shared.Offset(page, perPage))
	if err != nil {
		return Result{}, fmt.Errorf("audit timeline: %w", err)
	}
	return Result{Rows: rows, Pagination: shared.NewPagination(page, perPage, total)}, nil
}

// Export returns every row matching the filters, oldest first, for CSV
// download. The row count is capped.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	rows, _, err := s.repo.Timeline(ctx, filters, maxExportRows, 0)
	if err != nil {
		return nil, fmt.Errorf("audit export: %w", err)
	}
	out := make([]TimelineRow, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row
	}
	return out, nil
}

const maxExportRows = 5000

func decodeMeta(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return meta
}
