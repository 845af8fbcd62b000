// Package config loads service configuration from the environment and
// builds the process logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	eventstore "github.com/SALT-FIUBA/backend-sub000"
)

// Config is the configuration of an event sourced service
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventstore"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	SQLitePath  string `env:"EVENTSTORE_SQLITE_PATH"`
	PostgresDSN string `env:"EVENTSTORE_POSTGRES_DSN"`

	BufferSize    int           `env:"SUBSCRIPTION_BUFFER_SIZE" envDefault:"10"`
	MaxRetryCount int           `env:"SUBSCRIPTION_MAX_RETRY_COUNT" envDefault:"10"`
	RestartDelay  time.Duration `env:"RESTART_BACKOFF" envDefault:"10s"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`

	RedisAddr string        `env:"REDIS_ADDR"`
	DedupTTL  time.Duration `env:"DEDUP_TTL" envDefault:"24h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"events"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// Load parses the configuration from environment variables
func Load() (Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks invariants env tags cannot express
func (c Config) Validate() error {
	if c.SQLitePath == "" && c.PostgresDSN == "" {
		return fmt.Errorf("one of EVENTSTORE_SQLITE_PATH or EVENTSTORE_POSTGRES_DSN is required")
	}

	if c.BufferSize < 1 {
		return fmt.Errorf("SUBSCRIPTION_BUFFER_SIZE must be at least 1")
	}

	if c.MaxRetryCount < 1 {
		return fmt.Errorf("SUBSCRIPTION_MAX_RETRY_COUNT must be at least 1")
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// SubscriptionSettings returns the consumer group settings of c
func (c Config) SubscriptionSettings() eventstore.SubscriptionSettings {
	s := eventstore.DefaultSubscriptionSettings()
	s.MaxRetryCount = c.MaxRetryCount

	return s
}

// ParseLevel parses a log level name
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level

	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", level)
	}

	return l, nil
}

// NewLogger returns a json logger writing to stdout tagged with the service name
func NewLogger(service, level string) *slog.Logger {
	return newLogger(os.Stdout, service, level)
}

func newLogger(w io.Writer, service, level string) *slog.Logger {
	l, err := ParseLevel(level)
	if err != nil {
		l = slog.LevelInfo
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: l,
	})

	return slog.New(h).With("service", service)
}
