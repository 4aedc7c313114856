// Package config loads sagactl settings from an optional TOML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SAGA_"

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a Go duration string ("30s", "5m")
// in both TOML and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config holds every setting sagactl reads.
type Config struct {
	Log       Log       `toml:"log"       envPrefix:"LOG_"`
	SQLite    SQLite    `toml:"sqlite"    envPrefix:"SQLITE_"`
	Relay     Relay     `toml:"relay"     envPrefix:"RELAY_"`
	Sagas     Sagas     `toml:"sagas"     envPrefix:"SAGAS_"`
	Telemetry Telemetry `toml:"telemetry" envPrefix:"OTEL_"`
	Metrics   Metrics   `toml:"metrics"   envPrefix:"METRICS_"`
}

type Log struct {
	Level  string `toml:"level"  env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

type SQLite struct {
	Path string `toml:"path" env:"PATH"`
}

// Relay configures the outbox relay loop.
type Relay struct {
	Interval    Duration `toml:"interval"     env:"INTERVAL"`
	BatchSize   int      `toml:"batch_size"   env:"BATCH_SIZE"`
	MaxAttempts int      `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	LeaseTTL    Duration `toml:"lease_ttl"    env:"LEASE_TTL"`
}

type Sagas struct {
	// CleanupAfter is how long a finished saga stays in the registry.
	CleanupAfter Duration `toml:"cleanup_after" env:"CLEANUP_AFTER"`
}

type Telemetry struct {
	// Endpoint is an OTLP/HTTP host:port. Tracing is disabled when empty.
	Endpoint    string `toml:"endpoint"     env:"ENDPOINT"`
	Insecure    bool   `toml:"insecure"     env:"INSECURE"`
	ServiceName string `toml:"service_name" env:"SERVICE_NAME"`
}

type Metrics struct {
	Addr string `toml:"addr" env:"ADDR"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Log:    Log{Level: "info", Format: "text"},
		SQLite: SQLite{Path: "saga.db"},
		Relay: Relay{
			Interval:    Duration(time.Second),
			BatchSize:   50,
			MaxAttempts: 8,
			LeaseTTL:    Duration(30 * time.Second),
		},
		Sagas:     Sagas{CleanupAfter: Duration(time.Hour)},
		Telemetry: Telemetry{ServiceName: "sagactl"},
	}
}

// Load starts from Default, overlays the TOML file at path when path is not
// empty, then applies SAGA_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode reads TOML into cfg, rejecting keys Config does not know.
func Decode(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be text or json", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.SQLite.Path == "" {
		errs = append(errs, errors.New("sqlite path is required"))
	}
	if c.Relay.Interval <= 0 {
		errs = append(errs, errors.New("relay interval must be positive"))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, errors.New("relay batch size must be positive"))
	}
	if c.Relay.MaxAttempts <= 0 {
		errs = append(errs, errors.New("relay max attempts must be positive"))
	}
	if c.Relay.LeaseTTL <= 0 {
		errs = append(errs, errors.New("relay lease ttl must be positive"))
	}
	if c.Sagas.CleanupAfter < 0 {
		errs = append(errs, errors.New("saga cleanup threshold must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
