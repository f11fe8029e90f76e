package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxcore/gatewaycore/internal/config"
	"github.com/prxcore/gatewaycore/kiroadapter"
	"github.com/prxcore/gatewaycore/providerpool"
)

func newTestPool(t *testing.T) *providerpool.Manager {
	t.Helper()
	cfg := config.PoolConfig{MaxErrorCount: 3, HealthCheckIntervalMs: 0, SaveDebounceMs: 1000}
	m := providerpool.NewManager(cfg, nil)
	t.Cleanup(m.Destroy)
	return m
}

func newTestExecutor(t *testing.T, pool *providerpool.Manager) *kiroadapter.Executor {
	t.Helper()
	store := providerpool.NewCredentialStore(time.Second)
	refresh := kiroadapter.NewRefreshCoordinator(store, 10)
	return kiroadapter.NewExecutor(pool, refresh, "", false)
}

func TestAdminRouter_HealthzReturnsOK(t *testing.T) {
	pool := newTestPool(t)
	router := newAdminRouter(pool, newTestExecutor(t, pool))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRouter_MetricsExposesPoolGauges(t *testing.T) {
	pool := newTestPool(t)
	pool.RegisterCredential("claude-kiro-oauth", &providerpool.Credential{UUID: "u1", IsHealthy: true})

	router := newAdminRouter(pool, newTestExecutor(t, pool))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pool_credentials_healthy")
}

func TestAdminRouter_LogsReturnsRecentEntries(t *testing.T) {
	pool := newTestPool(t)
	router := newAdminRouter(pool, newTestExecutor(t, pool))

	req := httptest.NewRequest(http.MethodGet, "/logs?n=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestAdminRouter_UsageReturns404WhenPoolEmpty(t *testing.T) {
	pool := newTestPool(t)
	router := newAdminRouter(pool, newTestExecutor(t, pool))

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
