package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"CONFIG_FILE", "ENV_FILE", "STORAGE_DRIVER", "DATABASE_URL", "DATA_DIR",
	"TICK_INTERVAL", "DUE_TOLERANCE", "MAX_CONCURRENCY", "HTTP_TIMEOUT",
	"MAX_REQUESTS_PER_SECOND", "TLS_INSECURE_SKIP_VERIFY", "SHUTDOWN_GRACE",
	"HTTP_PORT", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every config key for the test and restores it afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, k := range allKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, DriverSQLite, cfg.StorageDriver)
	assert.Equal(t, "pingrobot.db", cfg.DatabaseURL)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.DueTolerance)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.False(t, cfg.TLSInsecureSkipVerify)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "file")
	t.Setenv("DATA_DIR", "/var/lib/pingrobot")
	t.Setenv("TICK_INTERVAL", "2s")
	t.Setenv("MAX_CONCURRENCY", "32")
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("MAX_REQUESTS_PER_SECOND", "12.5")
	t.Setenv("TLS_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverFile, cfg.StorageDriver)
	assert.Equal(t, "/var/lib/pingrobot", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, 32, cfg.MaxConcurrency)
	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 12.5, cfg.MaxRequestsPerSecond)
	assert.True(t, cfg.TLSInsecureSkipVerify)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CONCURRENCY", "lots")
	t.Setenv("TICK_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.TickInterval)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "pingrobot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_driver: postgres
database_url: postgres://localhost/pingrobot
tick_interval: 2s
due_tolerance: 1s
max_concurrency: 4
http_port: "8081"
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "8082")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
	assert.Equal(t, "postgres://localhost/pingrobot", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, time.Second, cfg.DueTolerance)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, "8082", cfg.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
}

func TestLoadDueToleranceFollowsTick(t *testing.T) {
	t.Run("half of a custom tick", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TICK_INTERVAL", "500ms")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
		assert.Equal(t, 250*time.Millisecond, cfg.DueTolerance)
	})

	t.Run("explicit zero from env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DUE_TOLERANCE", "0s")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Zero(t, cfg.DueTolerance)
	})

	t.Run("explicit zero from yaml", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "pingrobot.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tick_interval: 4s\ndue_tolerance: 0s\n"), 0o600))
		t.Setenv("CONFIG_FILE", path)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 4*time.Second, cfg.TickInterval)
		assert.Zero(t, cfg.DueTolerance)
	})

	t.Run("malformed value falls back to half a tick", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TICK_INTERVAL", "3s")
		t.Setenv("DUE_TOLERANCE", "a bit")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, cfg.DueTolerance)
	})
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tick_interval: [oops"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("HTTP_PORT=7000\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("HTTP_PORT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.HTTPPort)
	assert.Equal(t, "warn", cfg.LogLevel, "variables already set win over .env")
}

func TestLoadMissingEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.StorageDriver = "mongo" }},
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }},
		{"empty data dir", func(c *Config) { c.StorageDriver = DriverFile; c.DataDir = "" }},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"tolerance of a full tick", func(c *Config) { c.DueTolerance = c.TickInterval }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"zero timeout", func(c *Config) { c.HTTPTimeout = 0 }},
		{"negative rate", func(c *Config) { c.MaxRequestsPerSecond = -1 }},
		{"empty port", func(c *Config) { c.HTTPPort = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
