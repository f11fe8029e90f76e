// Command gatewaycored wires the provider pool manager, the Kiro adapter,
// and the prompt-cache estimator behind a minimal operational surface. It is
// not a provider-facing API: the wire-protocol translation and proxy routes
// stay out of scope, per SPEC_FULL.md §1's expansion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/prxcore/gatewaycore/internal/config"
	"github.com/prxcore/gatewaycore/internal/logging"
	"github.com/prxcore/gatewaycore/kiroadapter"
	"github.com/prxcore/gatewaycore/providerpool"
)

func main() {
	configPath := flag.String("config", "configs/gatewaycore.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("gatewaycored: failed to load config")
	}
	logging.Init(cfg.Logging)

	probes := map[providerpool.ProviderType]providerpool.HealthProbe{}
	pool := providerpool.NewManager(cfg.Pool, probes)
	defer pool.Destroy()

	credStore := providerpool.NewCredentialStore(5 * time.Second)
	refresh := kiroadapter.NewRefreshCoordinator(credStore, cfg.Kiro.CronNearMinutes)
	executor := kiroadapter.NewExecutor(pool, refresh, cfg.Kiro.CredentialPath, cfg.Kiro.OptimisticCache)
	probes["claude-kiro-oauth"] = executor

	loadKiroCredential(credStore, cfg.Kiro.CredentialPath, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.PerformHealthChecks(ctx, true)

	if err := credStore.WatchDir(ctx, cfg.Kiro.CredentialPath, func() {
		log.Info("gatewaycored: credential file changed on disk, reloading")
		loadKiroCredential(credStore, cfg.Kiro.CredentialPath, pool)
	}); err != nil {
		log.WithError(err).Warn("gatewaycored: failed to watch credential directory")
	}

	router := newAdminRouter(pool, executor)
	server := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: router}

	go func() {
		log.WithField("addr", cfg.Admin.ListenAddr).Info("gatewaycored: admin surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gatewaycored: admin surface failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("gatewaycored: shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// loadKiroCredential registers the single Kiro credential on disk, if any,
// with the pool at startup. A missing or unparsable file is logged and
// skipped rather than treated as fatal: the admin surface should still come
// up so an operator can diagnose it.
func loadKiroCredential(store *providerpool.CredentialStore, path string, pool *providerpool.Manager) {
	raw, err := store.Load(path, os.Getenv("KIRO_AUTH_BUNDLE"))
	if err != nil {
		log.WithError(err).Warn("gatewaycored: failed to load kiro credential file")
		return
	}
	if len(raw) == 0 {
		return
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		log.WithError(err).Warn("gatewaycored: failed to re-encode kiro credential")
		return
	}
	var cred providerpool.Credential
	if err := json.Unmarshal(encoded, &cred); err != nil {
		log.WithError(err).Warn("gatewaycored: failed to decode kiro credential")
		return
	}
	if cred.UUID == "" {
		cred.UUID = "kiro-default"
	}
	cred.ProviderType = "claude-kiro-oauth"
	cred.IsHealthy = true
	pool.RegisterCredential("claude-kiro-oauth", &cred)
	log.WithField("uuid", cred.UUID).Info("gatewaycored: registered kiro credential")
}
