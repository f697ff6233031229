// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Database settings. When DatabaseURL is empty the process runs in lite
	// mode against an embedded sqlite file instead of Postgres.
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	SQLitePath  string // Lite mode database file.

	// Rule cache settings.
	RuleRefreshInterval time.Duration

	// Drift window settings.
	DriftWindowDuration time.Duration
	DriftGracePeriod    time.Duration
	DriftMinSamples     int64
	DriftAlpha          float64
	DriftThreshold      float64

	// Circuit breaker settings.
	BreakerFailureRate         float64
	BreakerFailureWindow       int
	BreakerCriticalConsecutive int
	BreakerDriftHardThreshold  float64
	BreakerCooldownBase        time.Duration
	BreakerCooldownMax         time.Duration
	BreakerProbeVolume         int
	BreakerRecoveryThreshold   float64

	// Pipeline settings.
	QueueSize       int
	ShedKeepRate    float64
	SubmitTimeout   time.Duration
	TickInterval    time.Duration
	DispatchTimeout time.Duration
	DispatchRetries int
	DispatchBackoff time.Duration

	// Rate limit settings (requests per second and burst, per key).
	IngestRateLimit float64
	IngestBurst     int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KANSHI_PORT", 8080),
		ReadTimeout:         envDuration("KANSHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KANSHI_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(envInt("KANSHI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default

		DatabaseURL: envStr("DATABASE_URL", ""),
		NotifyURL:   envStr("NOTIFY_URL", ""),
		SQLitePath:  envStr("KANSHI_SQLITE_PATH", "kanshi.db"),

		RuleRefreshInterval: envDuration("KANSHI_RULE_REFRESH_INTERVAL", 30*time.Second),

		DriftWindowDuration: envDuration("KANSHI_DRIFT_WINDOW", 5*time.Minute),
		DriftGracePeriod:    envDuration("KANSHI_DRIFT_GRACE", 30*time.Second),
		DriftMinSamples:     int64(envInt("KANSHI_DRIFT_MIN_SAMPLES", 100)),
		DriftAlpha:          envFloat("KANSHI_DRIFT_ALPHA", 0.2),
		DriftThreshold:      envFloat("KANSHI_DRIFT_THRESHOLD", 3.0),

		BreakerFailureRate:         envFloat("KANSHI_BREAKER_FAILURE_RATE", 0.20),
		BreakerFailureWindow:       envInt("KANSHI_BREAKER_FAILURE_WINDOW", 20),
		BreakerCriticalConsecutive: envInt("KANSHI_BREAKER_CRITICAL_CONSECUTIVE", 3),
		BreakerDriftHardThreshold:  envFloat("KANSHI_BREAKER_DRIFT_THRESHOLD", 4.0),
		BreakerCooldownBase:        envDuration("KANSHI_BREAKER_COOLDOWN_BASE", 30*time.Second),
		BreakerCooldownMax:         envDuration("KANSHI_BREAKER_COOLDOWN_MAX", 10*time.Minute),
		BreakerProbeVolume:         envInt("KANSHI_BREAKER_PROBE_VOLUME", 10),
		BreakerRecoveryThreshold:   envFloat("KANSHI_BREAKER_RECOVERY_THRESHOLD", 0.80),

		QueueSize:       envInt("KANSHI_QUEUE_SIZE", 1024),
		ShedKeepRate:    envFloat("KANSHI_SHED_KEEP_RATE", 0.10),
		SubmitTimeout:   envDuration("KANSHI_SUBMIT_TIMEOUT", 100*time.Millisecond),
		TickInterval:    envDuration("KANSHI_TICK_INTERVAL", time.Second),
		DispatchTimeout: envDuration("KANSHI_DISPATCH_TIMEOUT", 5*time.Second),
		DispatchRetries: envInt("KANSHI_DISPATCH_RETRIES", 3),
		DispatchBackoff: envDuration("KANSHI_DISPATCH_BACKOFF", 50*time.Millisecond),

		IngestRateLimit: envFloat("KANSHI_INGEST_RATE_LIMIT", 100),
		IngestBurst:     envInt("KANSHI_INGEST_BURST", 200),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "kanshi"),

		LogLevel: envStr("KANSHI_LOG_LEVEL", "info"),
	}

	// NOTIFY_URL defaults to the query URL; split them when running behind
	// a transaction pooler, which cannot hold LISTEN sessions.
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LiteMode reports whether the process should run against sqlite.
func (c Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANSHI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: KANSHI_QUEUE_SIZE must be positive")
	}
	if c.ShedKeepRate < 0 || c.ShedKeepRate > 1 {
		return fmt.Errorf("config: KANSHI_SHED_KEEP_RATE must be in [0, 1]")
	}
	if c.DriftAlpha <= 0 || c.DriftAlpha > 1 {
		return fmt.Errorf("config: KANSHI_DRIFT_ALPHA must be in (0, 1]")
	}
	if c.DriftWindowDuration <= 0 {
		return fmt.Errorf("config: KANSHI_DRIFT_WINDOW must be positive")
	}
	if c.BreakerFailureRate <= 0 || c.BreakerFailureRate >= 1 {
		return fmt.Errorf("config: KANSHI_BREAKER_FAILURE_RATE must be in (0, 1)")
	}
	if c.BreakerFailureWindow <= 0 {
		return fmt.Errorf("config: KANSHI_BREAKER_FAILURE_WINDOW must be positive")
	}
	if c.BreakerRecoveryThreshold <= 0 || c.BreakerRecoveryThreshold > 1 {
		return fmt.Errorf("config: KANSHI_BREAKER_RECOVERY_THRESHOLD must be in (0, 1]")
	}
	if c.BreakerProbeVolume <= 0 {
		return fmt.Errorf("config: KANSHI_BREAKER_PROBE_VOLUME must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
