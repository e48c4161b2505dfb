package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubScanEnqueuer struct {
	payloads []OverdueScanPayload
	err      error
}

func (s *stubScanEnqueuer) EnqueueOverdueScan(ctx context.Context, payload OverdueScanPayload) (*asynq.TaskInfo, error) {
	s.payloads = append(s.payloads, payload)
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, nil
}

func newJobsRouter(scans OverdueScanEnqueuer) http.Handler {
	h := NewHandler(nil, nil)
	if scans != nil {
		h.SetOverdueScanner(scans)
	}
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)
	return r
}

func TestTriggerOverdueScan(t *testing.T) {
	scans := &stubScanEnqueuer{}
	rr := httptest.NewRecorder()
	newJobsRouter(scans).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/overdue-scan?as_of=2026-03-31", nil))

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.JSONEq(t, `{"task_id":"task-1","queue":"default"}`, rr.Body.String())
	require.Len(t, scans.payloads, 1)
	require.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), scans.payloads[0].AsOf)
}

func TestTriggerOverdueScanErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	newJobsRouter(&stubScanEnqueuer{}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/overdue-scan?as_of=31-03-2026", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	newJobsRouter(&stubScanEnqueuer{err: errors.New("redis down")}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/overdue-scan", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	newJobsRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/overdue-scan", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthWithoutInspector(t *testing.T) {
	rr := httptest.NewRecorder()
	newJobsRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queues":{}}`, rr.Body.String())
}
