// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/shirabe/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Run state store settings.
	DataDir string // Root directory for per-run state and artifacts.

	// Cross-run index settings.
	IndexPath string // SQLite file for the run discovery index.

	// Driver settings.
	DriverMode     string // "fixture" or "live"
	DriverEndpoint string
	DriverAPIKey   string
	DriverTimeout  time.Duration

	// Pipeline limits applied to new runs unless overridden per run.
	MaxPerspectives     int
	PerStageConcurrency int
	MaxReviewIterations int
	MaxSummaryBytes     int
	MaxRetries          int

	// Citation validation settings.
	CitationRedirectCap int
	CitationHopTimeout  time.Duration

	// Auth settings.
	APIKeyHash string // Argon2id hash of the accepted API key; empty disables auth.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64         // Maximum request body size in bytes.
	TickInterval        time.Duration // Autopilot tick cadence; 0 disables the loop.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("SHIRABE_PORT", 8080),
		ReadTimeout:         envDuration("SHIRABE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("SHIRABE_WRITE_TIMEOUT", 30*time.Second),
		DataDir:             envStr("SHIRABE_DATA_DIR", "./data/runs"),
		IndexPath:           envStr("SHIRABE_INDEX_PATH", "./data/index.db"),
		DriverMode:          envStr("SHIRABE_DRIVER", "fixture"),
		DriverEndpoint:      envStr("SHIRABE_DRIVER_ENDPOINT", ""),
		DriverAPIKey:        envStr("SHIRABE_DRIVER_API_KEY", ""),
		DriverTimeout:       envDuration("SHIRABE_DRIVER_TIMEOUT", 2*time.Minute),
		MaxPerspectives:     envInt("SHIRABE_MAX_PERSPECTIVES", 5),
		PerStageConcurrency: envInt("SHIRABE_STAGE_CONCURRENCY", 3),
		MaxReviewIterations: envInt("SHIRABE_MAX_REVIEW_ITERATIONS", 3),
		MaxSummaryBytes:     envInt("SHIRABE_MAX_SUMMARY_BYTES", 8*1024),
		MaxRetries:          envInt("SHIRABE_MAX_RETRIES", 3),
		CitationRedirectCap: envInt("SHIRABE_CITATION_REDIRECT_CAP", 5),
		CitationHopTimeout:  envDuration("SHIRABE_CITATION_HOP_TIMEOUT", 10*time.Second),
		APIKeyHash:          envStr("SHIRABE_API_KEY_HASH", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envStr("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		ServiceName:         envStr("OTEL_SERVICE_NAME", "shirabe"),
		LogLevel:            envStr("SHIRABE_LOG_LEVEL", "info"),
		TickInterval:        envDuration("SHIRABE_TICK_INTERVAL", 2*time.Second),
		MaxRequestBodyBytes: int64(envInt("SHIRABE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: SHIRABE_DATA_DIR is required")
	}
	if c.DriverMode != "fixture" && c.DriverMode != "live" {
		return fmt.Errorf("config: SHIRABE_DRIVER must be \"fixture\" or \"live\", got %q", c.DriverMode)
	}
	if c.DriverMode == "live" && c.DriverEndpoint == "" {
		return fmt.Errorf("config: SHIRABE_DRIVER_ENDPOINT is required for the live driver")
	}
	if c.MaxPerspectives <= 0 {
		return fmt.Errorf("config: SHIRABE_MAX_PERSPECTIVES must be positive")
	}
	if c.PerStageConcurrency <= 0 {
		return fmt.Errorf("config: SHIRABE_STAGE_CONCURRENCY must be positive")
	}
	if c.MaxSummaryBytes <= 0 {
		return fmt.Errorf("config: SHIRABE_MAX_SUMMARY_BYTES must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SHIRABE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// Limits derives the default per-run limits from the configuration.
func (c Config) Limits() model.Limits {
	limits := model.DefaultLimits()
	limits.MaxPerspectives = c.MaxPerspectives
	limits.PerStageConcurrency = c.PerStageConcurrency
	limits.MaxReviewIterations = c.MaxReviewIterations
	limits.MaxSummaryBytes = c.MaxSummaryBytes
	limits.MaxRetries = c.MaxRetries
	return limits
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
