package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv         string
	Port           string
	AllowedOrigins []string

	QuiqupBase       string
	QuiqupReadBase   string
	QuiqupOrdersPath string
	QuiqupClientID   string
	QuiqupSecret     string
	QuiqupTimeout    time.Duration

	ShopifyAppSecret string

	TokenSafetyMargin time.Duration
	RedisURL          string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:            valueOrDefault(k.String("APP_ENV"), "development"),
		Port:              valueOrDefault(k.String("PORT"), "8080"),
		AllowedOrigins:    splitAndTrim(k.String("ALLOWED_ORIGINS")),
		QuiqupBase:        strings.TrimRight(strings.TrimSpace(k.String("QUIQUP_BASE")), "/"),
		QuiqupReadBase:    strings.TrimRight(strings.TrimSpace(k.String("QUIQUP_READ_BASE")), "/"),
		QuiqupOrdersPath:  normalizePath(valueOrDefault(k.String("QUIQUP_ORDERS_PATH"), "/orders")),
		QuiqupClientID:    k.String("QUIQUP_CLIENT_ID"),
		QuiqupSecret:      k.String("QUIQUP_CLIENT_SECRET"),
		QuiqupTimeout:     parseDuration(k.String("QUIQUP_TIMEOUT"), "10s"),
		ShopifyAppSecret:  k.String("SHOPIFY_APP_SECRET"),
		TokenSafetyMargin: parseDuration(k.String("TOKEN_SAFETY_MARGIN"), "15s"),
		RedisURL:          strings.TrimSpace(k.String("REDIS_URL")),
	}

	if cfg.QuiqupBase == "" {
		return nil, errors.New("QUIQUP_BASE is required")
	}
	if cfg.QuiqupClientID == "" {
		return nil, errors.New("QUIQUP_CLIENT_ID is required")
	}
	if cfg.QuiqupSecret == "" {
		return nil, errors.New("QUIQUP_CLIENT_SECRET is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return nil, errors.New("ALLOWED_ORIGINS is required")
	}

	return cfg, nil
}

// ReadBase returns the base URL used for order reads. A dedicated read base
// takes precedence over the default base, supporting split read/write
// deployments.
func (c *Config) ReadBase() string {
	if c.QuiqupReadBase != "" {
		return c.QuiqupReadBase
	}
	return c.QuiqupBase
}

// SignatureRequired reports whether app-proxy signature verification is
// enabled for this deployment.
func (c *Config) SignatureRequired() bool {
	return strings.TrimSpace(c.ShopifyAppSecret) != ""
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func normalizePath(value string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(value), "/")
	if trimmed == "" {
		return "/orders"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
