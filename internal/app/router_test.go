package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/observability"
	"github.com/mofresh/mofresh-erp/internal/shared"
	_ "github.com/mofresh/mofresh-erp/internal/testing/guard"
)

func TestActorMiddleware(t *testing.T) {
	var got *int64
	handler := ActorMiddleware(NewLogger(nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, got)
	require.EqualValues(t, 42, *got)

	for _, raw := range []string{"", "abc", "-3"} {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(ActorHeader, raw)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		require.Nil(t, got, raw)
	}
}

func TestRouterServesOpsEndpoints(t *testing.T) {
	require.True(t, InTestMode())
	router := NewRouter(RouterParams{
		Logger:  NewLogger(nil),
		Config:  &Config{AppEnv: "test"},
		Metrics: observability.NewMetrics(),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rr.Header().Get("X-Frame-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "mofresh_http_requests_total")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
