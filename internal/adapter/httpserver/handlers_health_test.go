package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func healthContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandleStartup(t *testing.T) {
	c, rec := healthContext("/health/startup")
	srv := newTestServer(t, newTestDeps(), WithHealthChecks(
		HealthCheck{Name: "store", Check: healthOK},
		HealthCheck{Name: "feed", Check: healthOK},
	))

	err := srv.handleStartup(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"store":"ok","feed":"ok"}}`, rec.Body.String())
}

func TestHandleStartup_FeedNotReady(t *testing.T) {
	c, rec := healthContext("/health/startup")
	srv := newTestServer(t, newTestDeps(), WithHealthChecks(
		HealthCheck{Name: "store", Check: healthOK},
		HealthCheck{Name: "feed", Check: healthErr("change feed not running")},
	))

	err := srv.handleStartup(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","failed_check":"feed","error":"change feed not running"}`, rec.Body.String())
}

func TestHandleLiveness(t *testing.T) {
	c, rec := healthContext("/health/live")
	srv := newTestServer(t, newTestDeps())

	err := srv.handleLiveness(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"uptime"`)
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantFailed string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
		},
		{
			name:       "all healthy",
			checks:     []HealthCheck{{Name: "redis", Check: healthOK}, {Name: "feed", Check: healthOK}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "redis down",
			checks:     []HealthCheck{{Name: "redis", Check: healthErr("connection refused")}, {Name: "feed", Check: healthOK}},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: "redis",
		},
		{
			name:       "postgres down",
			checks:     []HealthCheck{{Name: "postgres", Check: healthErr("database unreachable")}},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: "postgres",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := healthContext("/health/ready")
			srv := newTestServer(t, newTestDeps(), WithHealthChecks(tt.checks...))

			require.NoError(t, srv.handleReadiness(c))
			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantFailed, resp.FailedCheck)
		})
	}
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t, newTestDeps())

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewHTTPMetrics(reg)
	srv := newTestServer(t, newTestDeps(), WithMetrics(m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	serve(srv, httptest.NewRequest(http.MethodGet, "/api/poll", nil))
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `livepoll_http_requests_total{method="GET",route="/api/poll",status_code="200"} 1`)
}
