// Package config loads broker settings from an optional YAML file and
// the environment; environment values always win.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backend selectors accepted in DBType.
const (
	DBMemory   = "memory"
	DBPostgres = "postgres"
	DBSQLite   = "sqlite"
	DBRedis    = "redis"
)

// Config carries every runtime setting.
type Config struct {
	Port           int    `env:"PORT" yaml:"port"`
	MaxPayloadSize int64  `env:"MAX_PAYLOAD_SIZE" yaml:"maxPayloadSize"`
	DBType         string `env:"DB_TYPE" yaml:"dbType"`
	// CleanupIntervalSeconds controls how often the expiry sweeper runs.
	CleanupIntervalSeconds int `env:"CLEANUP_INTERVAL_s" yaml:"cleanupIntervalSeconds"`
	// APIRateLimit caps admin requests per second.
	APIRateLimit float64 `env:"API_RATE_LIMIT" yaml:"apiRateLimit"`

	PostgresDSN   string `env:"PG_DSN" yaml:"postgresDSN"`
	SQLitePath    string `env:"SQLITE_PATH" yaml:"sqlitePath"`
	RedisAddr     string `env:"REDIS_ADDR" yaml:"redisAddr"`
	RedisPassword string `env:"REDIS_PASSWORD" yaml:"redisPassword"`
	RedisDB       int    `env:"REDIS_DB" yaml:"redisDB"`

	LogLevel string `env:"LOG_LEVEL" yaml:"logLevel"`
	// LogFormat selects console or json output; auto picks by TTY.
	LogFormat string `env:"LOG_FORMAT" yaml:"logFormat"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                   8080,
		MaxPayloadSize:         1 << 20, // 1 MiB
		DBType:                 DBMemory,
		CleanupIntervalSeconds: 60,
		APIRateLimit:           50,
		SQLitePath:             "fastport.db",
		RedisAddr:              "localhost:6379",
		LogLevel:               "info",
		LogFormat:              "auto",
	}
}

// Load builds the config: defaults, then the YAML file at path (if any),
// then the environment. Unknown environment keys are ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the broker cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxPayloadSize < 1024 {
		return fmt.Errorf("max payload size %d below 1 KiB", c.MaxPayloadSize)
	}
	if c.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %d", c.CleanupIntervalSeconds)
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api rate limit must be positive, got %v", c.APIRateLimit)
	}
	switch c.DBType {
	case DBMemory, DBSQLite, DBRedis:
	case DBPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("db type %q requires PG_DSN", c.DBType)
		}
	default:
		return fmt.Errorf("unknown db type %q", c.DBType)
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Addr renders the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
