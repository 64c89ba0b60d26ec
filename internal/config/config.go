// Package config resolves service configuration from a YAML file with
// MES_-prefixed environment overrides. The core consumes only the resolved
// values; nothing here is read from ambient process state after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved application configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	QMIB        QMIBConfig      `yaml:"qmib"`
	Database    DatabaseConfig  `yaml:"database"`
	HTTP        HTTPConfig      `yaml:"http"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
}

// QMIBConfig holds connection and resilience parameters for the gateway.
type QMIBConfig struct {
	BaseURL                 string  `yaml:"baseUrl"`
	Username                string  `yaml:"username"`
	Password                string  `yaml:"password"`
	VerifyTLS               bool    `yaml:"verifyTLS"`
	RequestTimeoutMs        int     `yaml:"requestTimeoutMs"`
	MaxRetries              int     `yaml:"maxRetries"`
	BackoffBaseMs           int     `yaml:"backoffBaseMs"`
	BreakerFailureThreshold int     `yaml:"breakerFailureThreshold"`
	BreakerCooldownMs       int     `yaml:"breakerCooldownMs"`
	RequestsPerSecond       float64 `yaml:"requestsPerSecond"`
}

// DatabaseConfig points at the persistence layer. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig configures the REST listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`

	// AuditLog mirrors the request audit trail to a JSONL file when set.
	AuditLog string `yaml:"auditLog"`
}

// ReconcileConfig tunes the reconciliation scan.
type ReconcileConfig struct {
	Schedule     string `yaml:"schedule"`
	GraceMs      int    `yaml:"graceMs"`
	LeaseTTLMs   int    `yaml:"leaseTtlMs"`
	RunTimeoutMs int    `yaml:"runTimeoutMs"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Environment: "development",
		QMIB: QMIBConfig{
			VerifyTLS:               true,
			RequestTimeoutMs:        30000,
			MaxRetries:              3,
			BackoffBaseMs:           200,
			BreakerFailureThreshold: 5,
			BreakerCooldownMs:       30000,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Reconcile: ReconcileConfig{
			Schedule:     "@every 1m",
			GraceMs:      60000,
			LeaseTTLMs:   30000,
			RunTimeoutMs: 300000,
		},
	}
}

// Load reads the YAML file at path (if non-empty), then applies environment
// overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.QMIB.BaseURL == "" {
		return Config{}, fmt.Errorf("qmib.baseUrl is required")
	}
	if cfg.QMIB.Username == "" || cfg.QMIB.Password == "" {
		return Config{}, fmt.Errorf("qmib credentials are required")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Environment, "MES_ENVIRONMENT")
	setString(&cfg.QMIB.BaseURL, "MES_QMIB__BASE_URL")
	setString(&cfg.QMIB.Username, "MES_QMIB__USERNAME")
	setString(&cfg.QMIB.Password, "MES_QMIB__PASSWORD")
	setBool(&cfg.QMIB.VerifyTLS, "MES_QMIB__VERIFY_TLS")
	setInt(&cfg.QMIB.RequestTimeoutMs, "MES_QMIB__REQUEST_TIMEOUT_MS")
	setInt(&cfg.QMIB.MaxRetries, "MES_QMIB__MAX_RETRIES")
	setInt(&cfg.QMIB.BackoffBaseMs, "MES_QMIB__BACKOFF_BASE_MS")
	setInt(&cfg.QMIB.BreakerFailureThreshold, "MES_QMIB__BREAKER_FAILURE_THRESHOLD")
	setInt(&cfg.QMIB.BreakerCooldownMs, "MES_QMIB__BREAKER_COOLDOWN_MS")
	setString(&cfg.Database.URL, "MES_DATABASE__URL")
	setString(&cfg.HTTP.Addr, "MES_HTTP__ADDR")
	setString(&cfg.HTTP.AuditLog, "MES_HTTP__AUDIT_LOG")
	setString(&cfg.Reconcile.Schedule, "MES_RECONCILE__SCHEDULE")
	setInt(&cfg.Reconcile.GraceMs, "MES_RECONCILE__GRACE_MS")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// Duration helpers for millisecond-denominated settings.

func (c QMIBConfig) RequestTimeout() time.Duration { return millis(c.RequestTimeoutMs) }
func (c QMIBConfig) BackoffBase() time.Duration    { return millis(c.BackoffBaseMs) }
func (c QMIBConfig) BreakerCooldown() time.Duration {
	return millis(c.BreakerCooldownMs)
}

func (c ReconcileConfig) Grace() time.Duration      { return millis(c.GraceMs) }
func (c ReconcileConfig) LeaseTTL() time.Duration   { return millis(c.LeaseTTLMs) }
func (c ReconcileConfig) RunTimeout() time.Duration { return millis(c.RunTimeoutMs) }

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
