package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
environment: production
qmib:
  baseUrl: https://qmib.example.com
  username: svc-mes
  password: s3cret
  maxRetries: 5
  backoffBaseMs: 100
reconcile:
  schedule: "@every 30s"
  graceMs: 120000
database:
  url: postgres://localhost/mes
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.QMIB.BaseURL != "https://qmib.example.com" {
		t.Fatalf("baseUrl = %q", cfg.QMIB.BaseURL)
	}
	if cfg.QMIB.MaxRetries != 5 {
		t.Fatalf("maxRetries = %d", cfg.QMIB.MaxRetries)
	}
	if cfg.QMIB.BackoffBase() != 100*time.Millisecond {
		t.Fatalf("backoff base = %v", cfg.QMIB.BackoffBase())
	}
	if cfg.Reconcile.Grace() != 2*time.Minute {
		t.Fatalf("grace = %v", cfg.Reconcile.Grace())
	}
	if cfg.Database.URL != "postgres://localhost/mes" {
		t.Fatalf("database url = %q", cfg.Database.URL)
	}

	// Values absent from the file keep their defaults.
	if cfg.QMIB.RequestTimeout() != 30*time.Second {
		t.Fatalf("request timeout = %v", cfg.QMIB.RequestTimeout())
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
qmib:
  baseUrl: https://file.example.com
  username: file-user
  password: file-pass
`)

	t.Setenv("MES_QMIB__BASE_URL", "https://env.example.com")
	t.Setenv("MES_QMIB__MAX_RETRIES", "7")
	t.Setenv("MES_QMIB__VERIFY_TLS", "false")
	t.Setenv("MES_HTTP__ADDR", ":9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QMIB.BaseURL != "https://env.example.com" {
		t.Fatalf("baseUrl = %q, env override lost", cfg.QMIB.BaseURL)
	}
	if cfg.QMIB.Username != "file-user" {
		t.Fatalf("username = %q, file value lost", cfg.QMIB.Username)
	}
	if cfg.QMIB.MaxRetries != 7 {
		t.Fatalf("maxRetries = %d", cfg.QMIB.MaxRetries)
	}
	if cfg.QMIB.VerifyTLS {
		t.Fatalf("verifyTLS should be overridden to false")
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("MES_QMIB__BASE_URL", "https://qmib.example.com")
	t.Setenv("MES_QMIB__USERNAME", "svc")
	t.Setenv("MES_QMIB__PASSWORD", "pw")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QMIB.Username != "svc" {
		t.Fatalf("username = %q", cfg.QMIB.Username)
	}
}

func TestLoadRejectsMissingBaseURL(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error without qmib.baseUrl")
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	t.Setenv("MES_QMIB__BASE_URL", "https://qmib.example.com")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
