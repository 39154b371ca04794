package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storefront.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.SecureCookies())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
env: production
cart:
  preference: cookies
  idle_ttl: 5m
storage:
  driver: postgres
  postgres_dsn: postgres://file
http:
  burst: 3
`)
	t.Setenv("STOREFRONT_STORAGE_POSTGRES_DSN", "postgres://env")
	t.Setenv("STOREFRONT_HTTP_RATE_LIMIT", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cookies", cfg.Cart.Preference)
	assert.Equal(t, 5*time.Minute, cfg.Cart.IdleTTL)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://env", cfg.Storage.PostgresDSN, "env overrides the file")
	assert.Equal(t, 2.5, cfg.HTTP.RateLimit)
	assert.Equal(t, 3, cfg.HTTP.Burst)
	assert.Equal(t, ":8080", cfg.Addr, "unset keys keep their defaults")
	assert.True(t, cfg.SecureCookies())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "cart: [unclosed"))
	assert.Error(t, err)

	t.Setenv("STOREFRONT_HTTP_BURST", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory driver", func(c *Config) { c.Storage.Driver = DriverMemory }, ""},
		{"bad preference", func(c *Config) { c.Cart.Preference = "session" }, "cart.preference"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.postgres_dsn"},
		{"sqlite without path", func(c *Config) { c.Storage.SQLitePath = "" }, "storage.sqlite_path"},
		{"negative rate", func(c *Config) { c.HTTP.RateLimit = -1 }, "http.rate_limit"},
		{"zero burst", func(c *Config) { c.HTTP.Burst = 0 }, "http.burst"},
		{"no addr", func(c *Config) { c.Addr = "" }, "addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
