// Package config loads orchestrator configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds every environment-driven knob the orchestrator needs to
// start: where to persist the graph, how many workers to run, how deep the
// change-notification queue is, and where to expose metrics/health.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Database DatabaseConfig
	Engine   EngineConfig
	Metrics  MetricsConfig
}

// DatabaseConfig selects and configures the persistence backend. Driver
// "postgres" talks to a real Postgres instance over pgx; "sqlite" opens a
// local modernc.org/sqlite file, useful for development or single-process
// deployments; "memory" runs entirely in-process with no durability, used
// by tests and short-lived demos.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"postgres"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"orchestrator"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:""`
	Database string `env:"POSTGRES_DB" envDefault:"orchestrator"`
	SSLMode  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	SQLitePath string `env:"SQLITE_PATH" envDefault:"orchestrator.db"`
}

// DSN returns the Postgres connection string built from the discrete
// POSTGRES_* fields. Callers using the sqlite or memory driver ignore it.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// EngineConfig sizes the worker pool and the change-notification queue that
// feeds it. BackpressureTimeout and ListenerReconnectCap are loaded but not
// read by the engine, the queue or the listener; the listener's reconnect
// backoff cap is fixed in graph/notify.
type EngineConfig struct {
	Workers               int           `env:"ENGINE_WORKERS" envDefault:"4"`
	QueueDepth            int           `env:"ENGINE_QUEUE_DEPTH" envDefault:"256"`
	BackpressureTimeout   time.Duration `env:"ENGINE_BACKPRESSURE_TIMEOUT" envDefault:"5s"`
	MaxRetries            int           `env:"ENGINE_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay        time.Duration `env:"ENGINE_RETRY_BASE_DELAY" envDefault:"250ms"`
	RetryMaxDelay         time.Duration `env:"ENGINE_RETRY_MAX_DELAY" envDefault:"30s"`
	ListenerReconnectCap  time.Duration `env:"ENGINE_LISTENER_RECONNECT_CAP" envDefault:"30s"`
	BootstrapSweepPeriod  time.Duration `env:"ENGINE_BOOTSTRAP_SWEEP_PERIOD" envDefault:"1m"`
	ActivateOnFailure     bool          `env:"ENGINE_ACTIVATE_ON_FAILURE" envDefault:"false"`
}

// MetricsConfig configures the Prometheus/health HTTP surface.
type MetricsConfig struct {
	Port int    `env:"METRICS_PORT" envDefault:"9090"`
	Path string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// Load reads a .env file if present (missing is not an error — production
// deployments set real environment variables instead) and parses Config
// from the environment, logging the non-sensitive fields it resolved.
func Load(log *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && log != nil {
		log.Debug("no .env file loaded", zap.Error(err))
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("environment", cfg.Environment),
			zap.String("db_driver", cfg.Database.Driver),
			zap.Int("engine_workers", cfg.Engine.Workers),
			zap.Int("engine_queue_depth", cfg.Engine.QueueDepth),
			zap.Int("metrics_port", cfg.Metrics.Port),
		)
	}

	return cfg, nil
}
