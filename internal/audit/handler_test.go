package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

func newTestRouter(repo *fakeRepo) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, NewService(repo)).MountRoutes(r)
	return r
}

func TestHandlerInvoiceTimeline(t *testing.T) {
	actor := int64(9)
	repo := &fakeRepo{
		rows: []TimelineRow{{
			At:       time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
			ActorID:  &actor,
			Action:   shared.AuditInvoiceGenerated,
			Entity:   "invoice",
			EntityID: "5",
		}},
		total: 1,
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/invoices/5/audit?from=2025-03-01&to=2025-03-01", nil)
	newTestRouter(repo).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), repo.filters.InvoiceID)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), repo.filters.To)

	var body struct {
		Data       []TimelineRow     `json:"data"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "invoice", body.Data[0].Entity)
	assert.Equal(t, 1, body.Pagination.Total)
}

func TestHandlerTimelineEmptyData(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&fakeRepo{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?action=invoice.voided", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestHandlerRejectsBadFilters(t *testing.T) {
	cases := []string{
		"/audit?from=03-01-2025",
		"/audit?actor_id=abc",
		"/audit?page=0",
		"/invoices/x/audit",
	}
	for _, target := range cases {
		t.Run(target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestRouter(&fakeRepo{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandlerExportCSV(t *testing.T) {
	repo := &fakeRepo{rows: []TimelineRow{
		{At: time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), Action: shared.AuditPaymentConfirmed, Entity: "payment", EntityID: "3", Meta: map[string]any{"invoice_id": 5}},
		{At: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), Action: shared.AuditInvoiceGenerated, Entity: "invoice", EntityID: "5"},
	}}
	rec := httptest.NewRecorder()
	newTestRouter(repo).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "occurred_at,actor_id,action,entity,entity_id,meta", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2025-03-01T09:00:00Z,,invoice.generated"))
	assert.Contains(t, lines[2], `"{""invoice_id"":5}"`)
}
