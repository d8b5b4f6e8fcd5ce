package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	SQLite   SQLiteConfig   `yaml:"sqlite" envPrefix:"SQLITE_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Session  SessionConfig  `yaml:"session" envPrefix:"SESSION_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"TRACING_"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"PORT"`
	// CommandRate is the sustained number of websocket commands per second per connection.
	CommandRate  float64 `yaml:"command_rate" env:"COMMAND_RATE"`
	CommandBurst int     `yaml:"command_burst" env:"COMMAND_BURST"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
}

type PostgresConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr" env:"ADDR"`
	Password    string `yaml:"password" env:"PASSWORD"`
	DB          int    `yaml:"db" env:"DB"`
	TTL         string `yaml:"ttl" env:"TTL"`
	PresenceTTL string `yaml:"presence_ttl" env:"PRESENCE_TTL"`
}

type SessionConfig struct {
	IdleTTL           string `yaml:"idle_ttl" env:"IDLE_TTL"`
	SweepInterval     string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	HistorySize       int    `yaml:"history_size" env:"HISTORY_SIZE"`
	MaxPending        int    `yaml:"max_pending" env:"MAX_PENDING"`
	DefaultRoundTitle string `yaml:"default_round_title" env:"DEFAULT_ROUND_TITLE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default is the configuration used when no file sets a value.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Server.CommandRate = 10
	cfg.Server.CommandBurst = 20
	cfg.Store.Driver = DriverMemory
	cfg.SQLite.Path = "blindtest.db"
	cfg.Redis.TTL = "10m"
	cfg.Redis.PresenceTTL = "2m"
	cfg.Session.IdleTTL = "30m"
	cfg.Session.SweepInterval = "1m"
	cfg.Session.HistorySize = 256
	cfg.Session.MaxPending = 1024
	cfg.Session.DefaultRoundTitle = "Manche 1"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Metrics.Enabled = true
	cfg.Tracing.ServiceName = "blindtest-service"
	cfg.Tracing.SampleRatio = 1
	return cfg
}

// Load reads YAML config from path on top of Default, then applies BLINDTEST_*
// environment overrides. A .env file in the working directory is loaded first if present.
// A missing config file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "BLINDTEST_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("store driver %q needs postgres.url", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Session.HistorySize < 0 || c.Session.MaxPending < 0 {
		return fmt.Errorf("session history_size and max_pending must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be within [0, 1]")
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
