package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

type fakeRepo struct {
	rows    []TimelineRow
	total   int
	err     error
	filters TimelineFilters
	limit   int
	offset  int
}

func (f *fakeRepo) Timeline(_ context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, int, error) {
	f.filters = filters
	f.limit = limit
	f.offset = offset
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.rows, f.total, nil
}

func TestTimelinePaginates(t *testing.T) {
	repo := &fakeRepo{rows: []TimelineRow{{Action: shared.AuditInvoiceGenerated}}, total: 45}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 20, repo.limit)
	assert.Equal(t, 40, repo.offset)
	assert.Equal(t, 45, res.Pagination.Total)
	assert.Len(t, res.Rows, 1)
}

func TestTimelineRejectsInvertedRange(t *testing.T) {
	svc := NewService(&fakeRepo{})
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := svc.Timeline(context.Background(), TimelineFilters{From: from, To: from.AddDate(0, 0, -2)})
	require.Error(t, err)
	assert.True(t, shared.IsKind(err, shared.KindValidation))
}

func TestTimelineWrapsRepositoryError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&fakeRepo{err: boom})
	_, err := svc.Timeline(context.Background(), TimelineFilters{})
	require.ErrorIs(t, err, boom)
}

func TestExportReturnsOldestFirst(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{rows: []TimelineRow{
		{At: now, Action: shared.AuditInvoiceVoided},
		{At: now.Add(-time.Hour), Action: shared.AuditInvoiceGenerated},
	}}
	rows, err := NewService(repo).Export(context.Background(), TimelineFilters{InvoiceID: 7})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, shared.AuditInvoiceGenerated, rows[0].Action)
	assert.Equal(t, maxExportRows, repo.limit)
	assert.Equal(t, int64(7), repo.filters.InvoiceID)
}

func TestTimelineWhere(t *testing.T) {
	where, args := timelineWhere(TimelineFilters{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args = timelineWhere(TimelineFilters{From: from, ActorID: 4, InvoiceID: 12})
	assert.Equal(t, " WHERE occurred_at >= $1 AND actor_id = $2 AND ((entity = 'invoice' AND entity_id = $3) OR (entity = 'payment' AND meta->>'invoice_id' = $3))", where)
	assert.Equal(t, []any{from, int64(4), "12"}, args)
}

func TestDecodeMeta(t *testing.T) {
	assert.Nil(t, decodeMeta(nil))
	assert.Equal(t, map[string]any{"invoice_id": float64(3)}, decodeMeta([]byte(`{"invoice_id":3}`)))
	assert.Equal(t, map[string]any{"raw": "oops"}, decodeMeta([]byte("oops")))
}
