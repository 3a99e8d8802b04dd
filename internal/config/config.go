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
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	StorageDriver string // "memory", "sqlite", or "postgres"
	SQLitePath    string
	DatabaseURL   string // Postgres URL; used when StorageDriver is "postgres".

	// Agent runtime settings.
	EvaluationInterval   time.Duration
	CollaborationTimeout time.Duration
	AlertGraceWindow     time.Duration
	BaselineWindow       int // samples in the rolling KPI baseline
	MaxPlanCandidates    int

	// Escalation settings.
	EscalationGraceWindow time.Duration
	ResponseCeiling       int
	RecoveryDwellPeriod   time.Duration
	EscalationSweep       time.Duration

	// Bus settings.
	BusSubscriberBuffer int
	BusRecentLimit      int

	// Human hand-off settings.
	AckTokenSecret string // HMAC secret for acknowledgment tokens.
	AckTokenTTL    time.Duration

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
		Port:                  envInt("RENKEI_PORT", 8080),
		ReadTimeout:           envDuration("RENKEI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          envDuration("RENKEI_WRITE_TIMEOUT", 30*time.Second),
		StorageDriver:         envStr("RENKEI_STORAGE_DRIVER", "memory"),
		SQLitePath:            envStr("RENKEI_SQLITE_PATH", "renkei.db"),
		DatabaseURL:           envStr("DATABASE_URL", ""),
		EvaluationInterval:    envDuration("RENKEI_EVALUATION_INTERVAL", 10*time.Second),
		CollaborationTimeout:  envDuration("RENKEI_COLLABORATION_TIMEOUT", 15*time.Second),
		AlertGraceWindow:      envDuration("RENKEI_ALERT_GRACE_WINDOW", time.Minute),
		BaselineWindow:        envInt("RENKEI_BASELINE_WINDOW", 12),
		MaxPlanCandidates:     envInt("RENKEI_MAX_PLAN_CANDIDATES", 24),
		EscalationGraceWindow: envDuration("RENKEI_ESCALATION_GRACE_WINDOW", 2*time.Minute),
		ResponseCeiling:       envInt("RENKEI_RESPONSE_CEILING", 3),
		RecoveryDwellPeriod:   envDuration("RENKEI_RECOVERY_DWELL_PERIOD", time.Minute),
		EscalationSweep:       envDuration("RENKEI_ESCALATION_SWEEP", 5*time.Second),
		BusSubscriberBuffer:   envInt("RENKEI_BUS_SUBSCRIBER_BUFFER", 256),
		BusRecentLimit:        envInt("RENKEI_BUS_RECENT_LIMIT", 128),
		AckTokenSecret:        envStr("RENKEI_ACK_TOKEN_SECRET", ""),
		AckTokenTTL:           envDuration("RENKEI_ACK_TOKEN_TTL", 24*time.Hour),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "renkei"),
		LogLevel:              envStr("RENKEI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: RENKEI_STORAGE_DRIVER must be memory, sqlite, or postgres, got %q", c.StorageDriver)
	}
	if c.StorageDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when RENKEI_STORAGE_DRIVER is postgres")
	}
	if c.StorageDriver == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("config: RENKEI_SQLITE_PATH is required when RENKEI_STORAGE_DRIVER is sqlite")
	}
	if c.BaselineWindow <= 0 {
		return fmt.Errorf("config: RENKEI_BASELINE_WINDOW must be positive")
	}
	if c.ResponseCeiling <= 0 {
		return fmt.Errorf("config: RENKEI_RESPONSE_CEILING must be positive")
	}
	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("config: RENKEI_EVALUATION_INTERVAL must be positive")
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
