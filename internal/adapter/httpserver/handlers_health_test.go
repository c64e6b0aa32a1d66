package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func TestHandleStartup(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	srv := newTestServer(t, nil, withHealthChecks(HealthCheck{Name: "redis", Check: healthOK}))

	err := srv.handleStartup(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"redis":"ok"}}`, rec.Body.String())
}

func TestHandleLiveness(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	srv := newTestServer(t, nil, withHealthChecks(HealthCheck{Name: "redis", Check: healthErr("down")}))
	err := srv.handleLiveness(c)

	// liveness never consults dependencies
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"uptime"`)
	assert.Contains(t, body, `"broadcasting":true`)
}

func TestHandleReadiness_NoChecks(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodGet, "/health/ready", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{}}`, rec.Body.String())
}

func TestHandleReadiness_RedisDown(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	srv := newTestServer(t, nil,
		withHealthChecks(
			HealthCheck{Name: "redis", Check: healthErr("connection refused")},
			HealthCheck{Name: "job_queue", Check: healthOK},
		),
	)

	err := srv.handleReadiness(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"redis":"connection refused","job_queue":"ok"}}`, rec.Body.String())
}

func TestHandleReadiness_ReportsEveryFailure(t *testing.T) {
	srv := newTestServer(t, nil,
		withHealthChecks(
			HealthCheck{Name: "redis", Check: healthErr("timeout")},
			HealthCheck{Name: "job_queue", Check: healthErr("queue closed")},
		),
	)

	rec := doJSON(srv, http.MethodGet, "/health/ready", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"redis":"timeout","job_queue":"queue closed"}}`, rec.Body.String())
}

func TestHandleLiveness_ReportsKillSwitch(t *testing.T) {
	srv := newTestServer(t, nil, func(s *Server) { s.config.BroadcastDisabled = true })

	rec := doJSON(srv, http.MethodGet, "/health/live", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"broadcasting":false`)
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodGet, "/version", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"build_time"`)
	assert.Contains(t, body, `"go_version"`)
	assert.Contains(t, body, `"protocol":"streamcast.v1"`)
}
