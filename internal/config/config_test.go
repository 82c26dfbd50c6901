package config

import (
	"errors"
	"os"
	"testing"

	"github.com/FriesPascal/sero-go/internal/errs"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LISTEN_HOST", "LISTEN_PORT", "DEPLOYMENT", "SERVICE", "PORT", "NAMESPACE",
		"BACKEND_HOST", "BACKEND_PORT", "IDLE_WAIT_SECS", "RETRY_SECS",
		"SCALE_DOWN_RETRY_LIMIT", "INBOX_CAPACITY", "SHUTDOWN_GRACE_SECS",
		"METRICS_ADDR", "LOG_FORMAT", "FIELD_MANAGER", "INJECT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want config error for missing DEPLOYMENT/SERVICE")
	}
	var cfgErr *errs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want *errs.ConfigError", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYMENT", "web")
	t.Setenv("SERVICE", "web")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.ListenPort != 3000 {
		t.Errorf("ListenPort = %d, want 3000", cfg.ListenPort)
	}
	if cfg.IdleWait != 60 {
		t.Errorf("IdleWait = %d, want 60", cfg.IdleWait)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.Inject {
		t.Error("Inject = true, want false by default")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYMENT", "web")
	t.Setenv("SERVICE", "web")
	t.Setenv("LISTEN_PORT", "not-a-port")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want config error for invalid LISTEN_PORT")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYMENT", "web")
	t.Setenv("SERVICE", "web")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want config error for invalid LOG_FORMAT")
	}
}

func TestLoad_InjectTrue(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYMENT", "web")
	t.Setenv("SERVICE", "web")
	t.Setenv("INJECT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if !cfg.Inject {
		t.Error("Inject = false, want true")
	}
}
