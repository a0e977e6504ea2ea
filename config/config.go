package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache & counters
	RedisAddr string

	// Default upstream target used by model mappings that name no
	// backend of their own. Empty means such mappings fail resolution.
	DefaultBackendID string

	// Rate limiting
	DefaultRateLimit string // credential fallback, e.g. "60/m"

	// Streaming
	StreamIdleTimeout time.Duration // max wait for the next upstream chunk

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // logrus level, default: "info"

	// Auth cache
	CredentialCacheTTL time.Duration
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		DefaultBackendID:     os.Getenv("DEFAULT_BACKEND_ID"),
		DefaultRateLimit:     getEnv("DEFAULT_RATE_LIMIT", "60/m"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	idleSecs, err := getEnvInt("STREAM_IDLE_TIMEOUT_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.StreamIdleTimeout = time.Duration(idleSecs) * time.Second

	cacheSecs, err := getEnvInt("CREDENTIAL_CACHE_TTL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.CredentialCacheTTL = time.Duration(cacheSecs) * time.Second

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
