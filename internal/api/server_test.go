package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/services/stocksync/config"
	"example.com/backstage/services/stocksync/internal/metrics"

	"github.com/stretchr/testify/require"
)

func TestServerRegistersOnlyConfiguredRoutes(t *testing.T) {
	m := metrics.NewMetrics()
	cfg := config.Config{Environment: "test"}
	cfg.Server.CorsEnabled = true
	cfg.Server.CorsOrigins = []string{"https://ops.example.com"}

	server := NewServer(cfg, Dependencies{Metrics: m})
	router := server.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dlq/stats", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/stock/P1/S1/reserve", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	require.Equal(t, int64(3), m.GetCounters()["http_requests"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	server := NewServer(config.Config{Environment: "test"}, Dependencies{Metrics: metrics.NewMetrics()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
