// Package config loads storefront settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage drivers for the durable cart backend.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string `yaml:"env" env:"STOREFRONT_ENV"`
	Addr     string `yaml:"addr" env:"STOREFRONT_ADDR"`
	LogLevel string `yaml:"log_level" env:"STOREFRONT_LOG_LEVEL"`

	Cart      CartConfig      `yaml:"cart" envPrefix:"STOREFRONT_CART_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STOREFRONT_STORAGE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"STOREFRONT_HTTP_"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type CartConfig struct {
	// Preference is one of cookies, localStorage or both.
	Preference string        `yaml:"preference" env:"PREFERENCE"`
	IdleTTL    time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

type HTTPConfig struct {
	RateLimit       float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst           int           `yaml:"burst" env:"BURST"`
	CookieMaxAge    time.Duration `yaml:"cookie_max_age" env:"COOKIE_MAX_AGE"`
	CookieSecure    bool          `yaml:"cookie_secure" env:"COOKIE_SECURE"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	// OTLPEndpoint enables trace export when set (http://host:4318).
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Env:      "development",
		Addr:     ":8080",
		LogLevel: "info",
		Cart: CartConfig{
			Preference: "both",
			IdleTTL:    30 * time.Minute,
		},
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "storefront.db",
		},
		HTTP: HTTPConfig{
			RateLimit:       100,
			Burst:           200,
			CookieMaxAge:    7 * 24 * time.Hour,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "storefront",
		},
	}
}

// Load applies the YAML file at path (skipped when empty) and the
// environment on top of Default, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.Cart.Preference {
	case "", "cookies", "localStorage", "both":
	default:
		errs = append(errs, fmt.Errorf("cart.preference: unknown value %q", c.Cart.Preference))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path: required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn: required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown value %q", c.Storage.Driver))
	}

	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit: must not be negative"))
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.Burst < 1 {
		errs = append(errs, errors.New("http.burst: must be at least 1 when rate limiting"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("addr: required"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c Config) SecureCookies() bool {
	return c.HTTP.CookieSecure || c.Env == "production"
}
