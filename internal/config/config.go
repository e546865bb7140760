// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables. Durations use Go duration syntax ("30s", "5m", "24h").
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	// DatabaseURL empty selects the in-memory backend (single-process only).
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"25"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	AppEnv     string `env:"APP_ENV"     envDefault:"development"`

	// ── Queues & workers ─────────────────────────────────────────────────────────
	// Queues is the comma-separated list of queue names that get a worker.
	Queues          []string      `env:"QUEUES"           envDefault:"default"`
	MaxConcurrent   int           `env:"MAX_CONCURRENT"   envDefault:"4"`
	BatchSize       int           `env:"BATCH_SIZE"       envDefault:"4"`
	PollInterval    time.Duration `env:"POLL_INTERVAL"    envDefault:"2s"`
	MaxFailures     int           `env:"MAX_FAILURES"     envDefault:"5"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// ── Maintenance ──────────────────────────────────────────────────────────────
	StallTimeout        time.Duration `env:"STALL_TIMEOUT"         envDefault:"5m"`
	CleanupAge          time.Duration `env:"CLEANUP_AGE"           envDefault:"24h"`
	CleanupInterval     time.Duration `env:"CLEANUP_INTERVAL"      envDefault:"5m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`

	// ── Scheduler ────────────────────────────────────────────────────────────────
	// SchedulerInterval of zero disables the recurring-job scheduler.
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
