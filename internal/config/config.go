// Package config loads gatewaycore's process configuration: pool tuning knobs,
// Kiro adapter settings, and the ambient logging/admin-surface options. Values
// come from a YAML file with a thin .env overlay for secrets and environment
// knobs the spec names explicitly (KIRO_OPTIMISTIC_CACHE, KIRO_CACHE_DEBUG,
// KIRO_LOG_LEVEL).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StickySessionConfig mirrors spec §6's stickySession.* knobs.
type StickySessionConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	TTLMs             int  `yaml:"ttl-ms" json:"ttl-ms"`
	CleanupIntervalMs int  `yaml:"cleanup-interval-ms" json:"cleanup-interval-ms"`
	MaxSessions       int  `yaml:"max-sessions" json:"max-sessions"`
}

// ModelFallbackTarget is the value side of modelFallbackMapping.
type ModelFallbackTarget struct {
	TargetProviderType string `yaml:"target-provider-type" json:"target-provider-type"`
	TargetModel        string `yaml:"target-model" json:"target-model"`
}

// PoolConfig groups the Provider Pool Manager's configuration surface,
// enumerated in spec.md §6.
type PoolConfig struct {
	HealthCheckIntervalMs int                             `yaml:"health-check-interval-ms" json:"health-check-interval-ms"`
	MaxErrorCount         int                             `yaml:"max-error-count" json:"max-error-count"`
	SaveDebounceMs        int                             `yaml:"save-debounce-ms" json:"save-debounce-ms"`
	StickySession         StickySessionConfig             `yaml:"sticky-session" json:"sticky-session"`
	FallbackChain         map[string][]string             `yaml:"provider-fallback-chain" json:"provider-fallback-chain"`
	ModelFallbackMapping  map[string]ModelFallbackTarget   `yaml:"model-fallback-mapping" json:"model-fallback-mapping"`
	PoolFilePath          string                          `yaml:"pool-file-path" json:"pool-file-path"`
}

// KiroConfig groups the Kiro adapter's configuration surface.
type KiroConfig struct {
	CredentialPath    string `yaml:"credential-path" json:"credential-path"`
	CronNearMinutes   int    `yaml:"cron-near-minutes" json:"cron-near-minutes"`
	RequestMaxRetries int    `yaml:"request-max-retries" json:"request-max-retries"`
	RequestBaseDelay  int    `yaml:"request-base-delay-ms" json:"request-base-delay-ms"`
	RequestTimeoutMs  int    `yaml:"request-timeout-ms" json:"request-timeout-ms"`
	OptimisticCache   bool   `yaml:"optimistic-cache" json:"optimistic-cache"`
	CacheDebug        bool   `yaml:"cache-debug" json:"cache-debug"`
	UseSystemProxy    bool   `yaml:"use-system-proxy" json:"use-system-proxy"`
}

// AdminConfig configures the ambient healthz/metrics surface (not a provider
// API — see SPEC_FULL.md §6 expansion).
type AdminConfig struct {
	ListenAddr string `yaml:"listen-addr" json:"listen-addr"`
}

// LoggingConfig configures the structured logger and its rotation/ring buffer.
type LoggingConfig struct {
	Level        string `yaml:"level" json:"level"`
	FilePath     string `yaml:"file-path" json:"file-path"`
	MaxSizeMB    int    `yaml:"max-size-mb" json:"max-size-mb"`
	MaxBackups   int    `yaml:"max-backups" json:"max-backups"`
	MaxAgeDays   int    `yaml:"max-age-days" json:"max-age-days"`
	RingBufferSz int    `yaml:"ring-buffer-size" json:"ring-buffer-size"`
}

// Config is the top-level process configuration.
type Config struct {
	Pool    PoolConfig    `yaml:"pool" json:"pool"`
	Kiro    KiroConfig    `yaml:"kiro" json:"kiro"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// applyDefaults fills zero-valued fields with the defaults spec.md names.
func (c *Config) applyDefaults() {
	if c.Pool.HealthCheckIntervalMs <= 0 {
		c.Pool.HealthCheckIntervalMs = 60_000
	}
	if c.Pool.MaxErrorCount <= 0 {
		c.Pool.MaxErrorCount = 3
	}
	if c.Pool.SaveDebounceMs <= 0 {
		c.Pool.SaveDebounceMs = 1_000
	}
	if c.Pool.StickySession.TTLMs <= 0 {
		c.Pool.StickySession.TTLMs = int(30 * time.Minute / time.Millisecond)
	}
	if c.Pool.StickySession.CleanupIntervalMs <= 0 {
		c.Pool.StickySession.CleanupIntervalMs = 60_000
	}
	if c.Pool.StickySession.MaxSessions <= 0 {
		c.Pool.StickySession.MaxSessions = 1_000
	}
	if c.Pool.PoolFilePath == "" {
		c.Pool.PoolFilePath = "configs/provider_pools.json"
	}
	if c.Kiro.CredentialPath == "" {
		c.Kiro.CredentialPath = "kiro-auth-token.json"
	}
	if c.Kiro.CronNearMinutes <= 0 {
		c.Kiro.CronNearMinutes = 10
	}
	if c.Kiro.RequestMaxRetries <= 0 {
		c.Kiro.RequestMaxRetries = 3
	}
	if c.Kiro.RequestBaseDelay <= 0 {
		c.Kiro.RequestBaseDelay = 1_000
	}
	if c.Kiro.RequestTimeoutMs <= 0 {
		c.Kiro.RequestTimeoutMs = 120_000
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.Logging.RingBufferSz <= 0 {
		c.Logging.RingBufferSz = 1000
	}
}

// applyEnvOverlay applies the environment knobs spec.md §6 names explicitly.
// These always win over YAML values, matching the teacher's layered
// config-then-env precedence.
func (c *Config) applyEnvOverlay() {
	if v, ok := os.LookupEnv("KIRO_OPTIMISTIC_CACHE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Kiro.OptimisticCache = b
		}
	}
	if v, ok := os.LookupEnv("KIRO_CACHE_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Kiro.CacheDebug = b
		}
	}
	if v, ok := os.LookupEnv("KIRO_LOG_LEVEL"); ok {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "debug", "info", "warn", "error":
			c.Logging.Level = v
		}
	}
}

// LoadConfig reads a YAML config file at path, overlays a sibling .env file
// (if present) into the process environment, then applies the environment
// knobs and defaults. A missing path is not fatal: defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Kiro.OptimisticCache = true // spec §4.3 step 7: optimistic is the default mode.

	_ = godotenv.Load(envSiblingPath(path))

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if len(strings.TrimSpace(string(data))) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverlay()
	cfg.applyDefaults()
	return cfg, nil
}

func envSiblingPath(configPath string) string {
	if configPath == "" {
		return ".env"
	}
	dir := configPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i+1] + ".env"
		}
	}
	return ".env"
}
