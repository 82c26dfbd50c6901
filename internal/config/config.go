// Package config loads the gateway's configuration from the environment,
// following the same getenv-with-default shape as the teacher's
// cmd/chaperone.loadConfig, generalized to the option table of spec.md §6
// and SPEC_FULL.md §4.8.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/FriesPascal/sero-go/internal/errs"
)

// Config holds the gateway configuration, assembled once at startup.
type Config struct {
	ListenHost string
	ListenPort uint16

	Deployment string
	Service    string
	PortName   string // optional; empty means "first declared port"

	Inject bool

	Namespace string

	BackendHost string
	BackendPort uint16 // 0 means "use the resolved service port"

	IdleWait          uint
	RetrySecs         uint
	ScaleDownRetryMax uint
	InboxCapacity     uint
	ShutdownGrace     uint

	MetricsAddr string
	LogFormat   string
	FieldOwner  string
}

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Load reads and validates configuration from the process environment.
// Returns a *errs.ConfigError wrapped error for any missing or invalid field.
func Load() (*Config, error) {
	cfg := &Config{
		ListenHost:        getEnvOrDefault("LISTEN_HOST", "0.0.0.0"),
		Deployment:        os.Getenv("DEPLOYMENT"),
		Service:           os.Getenv("SERVICE"),
		PortName:          os.Getenv("PORT"),
		Namespace:         getEnvOrDefault("NAMESPACE", defaultNamespace()),
		BackendHost:       getEnvOrDefault("BACKEND_HOST", "127.0.0.1"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "text"),
		MetricsAddr:       getEnvOrDefault("METRICS_ADDR", ":9090"),
		FieldOwner:        getEnvOrDefault("FIELD_MANAGER", "gateway"),
		IdleWait:          60,
		RetrySecs:         10,
		ScaleDownRetryMax: 6,
		InboxCapacity:     512,
		ShutdownGrace:     30,
	}

	var err error
	if cfg.ListenPort, err = getEnvPort("LISTEN_PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.BackendPort, err = getEnvPort("BACKEND_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.IdleWait, err = getEnvUint("IDLE_WAIT_SECS", cfg.IdleWait); err != nil {
		return nil, err
	}
	if cfg.RetrySecs, err = getEnvUint("RETRY_SECS", cfg.RetrySecs); err != nil {
		return nil, err
	}
	if cfg.ScaleDownRetryMax, err = getEnvUint("SCALE_DOWN_RETRY_LIMIT", cfg.ScaleDownRetryMax); err != nil {
		return nil, err
	}
	if cfg.InboxCapacity, err = getEnvUint("INBOX_CAPACITY", cfg.InboxCapacity); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getEnvUint("SHUTDOWN_GRACE_SECS", cfg.ShutdownGrace); err != nil {
		return nil, err
	}
	cfg.Inject = getEnvOrDefault("INJECT", "false") == "true"

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Deployment == "" {
		return errs.NewConfigError("DEPLOYMENT", "is required")
	}
	if c.Service == "" {
		return errs.NewConfigError("SERVICE", "is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return errs.NewConfigError("LOG_FORMAT", fmt.Sprintf("must be text or json, got %q", c.LogFormat))
	}
	return nil
}

func defaultNamespace() string {
	if data, err := os.ReadFile(serviceAccountNamespaceFile); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return "default"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint) (uint, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, errs.NewConfigError(key, fmt.Sprintf("must be a non-negative integer: %v", err))
	}
	return uint(n), nil
}

func getEnvPort(key string, defaultVal uint16) (uint16, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseUint(val, 10, 16)
	if err != nil || n < 1 || n > 65535 {
		return 0, errs.NewConfigError(key, fmt.Sprintf("must be a port in [1,65535], got %q", val))
	}
	return uint16(n), nil
}
