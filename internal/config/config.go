// Package config loads pingrobot settings. Values come from, lowest priority
// first: built-in defaults, an optional YAML file named by CONFIG_FILE, and
// environment variables. A .env file (or the file named by ENV_FILE) is
// loaded into the environment first without overriding variables already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
)

// Config holds the application's configuration values.
type Config struct {
	StorageDriver string `yaml:"storage_driver"`
	DatabaseURL   string `yaml:"database_url"`
	DataDir       string `yaml:"data_dir"`

	TickInterval time.Duration `yaml:"tick_interval"`
	// DueTolerance is half of TickInterval unless set explicitly. Zero is
	// a valid explicit value.
	DueTolerance   time.Duration `yaml:"due_tolerance"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	HTTPTimeout           time.Duration `yaml:"http_timeout"`
	MaxRequestsPerSecond  float64       `yaml:"max_requests_per_second"`
	TLSInsecureSkipVerify bool          `yaml:"tls_insecure_skip_verify"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	HTTPPort      string        `yaml:"http_port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		StorageDriver:  DriverSQLite,
		DatabaseURL:    "pingrobot.db",
		DataDir:        "data",
		TickInterval:   time.Second,
		DueTolerance:   500 * time.Millisecond,
		MaxConcurrency: 8,
		HTTPTimeout:    10 * time.Second,
		ShutdownGrace:  10 * time.Second,
		HTTPPort:       "8000",
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := Default()
	toleranceSet := false
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		set, err := cfg.mergeFile(path)
		if err != nil {
			return nil, err
		}
		toleranceSet = set
	}
	if cfg.applyEnv() {
		toleranceSet = true
	}
	if !toleranceSet {
		cfg.DueTolerance = cfg.TickInterval / 2
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// mergeFile overlays the YAML file at path and reports whether it sets
// due_tolerance.
func (c *Config) mergeFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return false, fmt.Errorf("parse config file %s: %w", path, err)
	}
	var keys struct {
		DueTolerance *time.Duration `yaml:"due_tolerance"`
	}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return false, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return keys.DueTolerance != nil, nil
}

// applyEnv overlays environment variables and reports whether DUE_TOLERANCE
// was set to a valid duration.
func (c *Config) applyEnv() bool {
	c.StorageDriver = getEnv("STORAGE_DRIVER", c.StorageDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.TickInterval = getEnvDuration("TICK_INTERVAL", c.TickInterval)
	tolerance, toleranceSet := lookupEnvDuration("DUE_TOLERANCE")
	if toleranceSet {
		c.DueTolerance = tolerance
	}
	c.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", c.MaxConcurrency)
	c.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", c.HTTPTimeout)
	c.MaxRequestsPerSecond = getEnvFloat("MAX_REQUESTS_PER_SECOND", c.MaxRequestsPerSecond)
	c.TLSInsecureSkipVerify = getEnvBool("TLS_INSECURE_SKIP_VERIFY", c.TLSInsecureSkipVerify)
	c.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", c.ShutdownGrace)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	return toleranceSet
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the %s driver", c.StorageDriver))
		}
	case DriverFile:
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the file driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.DueTolerance < 0 || c.DueTolerance >= c.TickInterval {
		errs = append(errs, errors.New("DUE_TOLERANCE must be in [0, TICK_INTERVAL)"))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENCY must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("HTTP_TIMEOUT must be positive"))
	}
	if c.MaxRequestsPerSecond < 0 {
		errs = append(errs, errors.New("MAX_REQUESTS_PER_SECOND must not be negative"))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("HTTP_PORT is required"))
	}
	return errors.Join(errs...)
}

// Helper function to get an environment variable or return a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// Helper function to get an environment variable as an integer.
func getEnvInt(key string, fallback int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

// Helper function to get an environment variable as a time.Duration.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := lookupEnvDuration(key); ok {
		return value
	}
	return fallback
}

func lookupEnvDuration(key string) (time.Duration, bool) {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value, true
		}
	}
	return 0, false
}
