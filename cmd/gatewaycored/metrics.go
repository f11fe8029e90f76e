package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prxcore/gatewaycore/internal/logging"
	"github.com/prxcore/gatewaycore/kiroadapter"
	"github.com/prxcore/gatewaycore/providerpool"
)

// Named gauges/counters per SPEC_FULL.md's admin-surface expansion.
var (
	poolCredentialsHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_credentials_healthy",
		Help: "Healthy credentials currently registered, by provider type.",
	}, []string{"provider_type"})
	poolCredentialsUnhealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_credentials_unhealthy",
		Help: "Unhealthy credentials currently registered, by provider type.",
	}, []string{"provider_type"})
	stickySessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sticky_sessions_active",
		Help: "Sticky session bindings currently held by the pool.",
	})
)

// kiro_refresh_total, kiro_refresh_failures_total, cache_estimator_cache_*
// are registered by kiroadapter and cacheestimator themselves, since those
// packages own the increment sites; this binary only mounts promhttp's
// default-registry handler, so they show up here without duplication.

func init() {
	prometheus.MustRegister(poolCredentialsHealthy, poolCredentialsUnhealthy, stickySessionsActive)
}

// refreshPoolGauges snapshots pool-wide stats into the gauges above. Called
// on every /metrics scrape rather than on a timer, so the numbers are never
// stale between scrapes.
func refreshPoolGauges(pool *providerpool.Manager) {
	for _, pt := range pool.AllProviderTypes() {
		stats := pool.GetProviderStats(pt)
		poolCredentialsHealthy.WithLabelValues(string(pt)).Set(float64(stats.Healthy))
		poolCredentialsUnhealthy.WithLabelValues(string(pt)).Set(float64(stats.Unhealthy))
	}
	stickySessionsActive.Set(float64(pool.StickySessionCount()))
}

func newAdminRouter(pool *providerpool.Manager, executor *kiroadapter.Executor) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	r.GET("/healthz", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promMetricsHandler(pool)))

	r.GET("/logs", func(c *gin.Context) {
		n := 200
		if raw := c.Query("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				n = parsed
			}
		}
		c.JSON(http.StatusOK, logging.RecentGlobal(n))
	})

	r.GET("/usage", func(c *gin.Context) {
		providerType := providerpool.ProviderType(c.DefaultQuery("provider_type", "claude-kiro-oauth"))
		model := c.Query("model")
		cred, err := pool.SelectProvider(providerType, model, providerpool.SelectOptions{SkipUsageCount: true})
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		limits, err := executor.UsageLimits(c.Request.Context(), cred)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, limits)
	})

	return r
}

func promMetricsHandler(pool *providerpool.Manager) http.Handler {
	handler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshPoolGauges(pool)
		handler.ServeHTTP(w, r)
	})
}
