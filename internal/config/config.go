// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow windows
	EscrowExpiry    time.Duration // default 168h (7 days)
	HoldFloor       time.Duration // dispute-intake window, default 24h
	ProcessingDwell time.Duration // stuck-processing cutoff, default 5m

	// Sweep intervals
	ExpirySweepInterval   time.Duration
	RecoverySweepInterval time.Duration
	ReconcileInterval     time.Duration
	IdempotencyPurgeEvery time.Duration
	ReconcileDriftAlertAt string // coin amount, e.g. "0.01"
	SweepBatchSize        int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultRateLimit             = 100
	DefaultEscrowExpiry          = 168 * time.Hour
	DefaultHoldFloor             = 24 * time.Hour
	DefaultProcessingDwell       = 5 * time.Minute
	DefaultExpirySweepInterval   = time.Minute
	DefaultRecoverySweepInterval = time.Minute
	DefaultReconcileInterval     = 5 * time.Minute
	DefaultIdempotencyPurge      = time.Hour
	DefaultDriftAlert            = "0.01"
	DefaultSweepBatch            = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowExpiry:          getEnvDuration("ESCROW_EXPIRY", DefaultEscrowExpiry),
		HoldFloor:             getEnvDuration("ESCROW_HOLD_FLOOR", DefaultHoldFloor),
		ProcessingDwell:       getEnvDuration("ESCROW_PROCESSING_DWELL", DefaultProcessingDwell),
		ExpirySweepInterval:   getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		RecoverySweepInterval: getEnvDuration("RECOVERY_SWEEP_INTERVAL", DefaultRecoverySweepInterval),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		IdempotencyPurgeEvery: getEnvDuration("IDEMPOTENCY_PURGE_INTERVAL", DefaultIdempotencyPurge),
		ReconcileDriftAlertAt: getEnv("RECONCILE_DRIFT_ALERT", DefaultDriftAlert),
		SweepBatchSize:        int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatch)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.EscrowExpiry <= 0 {
		return fmt.Errorf("ESCROW_EXPIRY must be positive")
	}
	if c.HoldFloor <= 0 {
		return fmt.Errorf("ESCROW_HOLD_FLOOR must be positive")
	}
	if c.ProcessingDwell < time.Second {
		return fmt.Errorf("ESCROW_PROCESSING_DWELL must be at least one second")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
