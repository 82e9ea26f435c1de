// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Backup    BackupConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8400"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// TransportConfig holds remote storage backend configuration.
type TransportConfig struct {
	Address     string        `envconfig:"TRANSPORT_ADDR" default:"http://localhost:9400"`
	CallTimeout time.Duration `envconfig:"TRANSPORT_CALL_TIMEOUT" default:"30s"`
	RetryMax    int           `envconfig:"TRANSPORT_RETRY_MAX" default:"3"`
}

// BackupConfig holds orchestration parameters.
type BackupConfig struct {
	DataDir        string        `envconfig:"BACKUP_DATA_DIR" default:"/var/lib/backupd/data"`
	ChunkSize      int           `envconfig:"BACKUP_CHUNK_SIZE" default:"32768"`
	OpTimeout      time.Duration `envconfig:"BACKUP_OP_TIMEOUT" default:"5m"`
	UpdateSchedule bool          `envconfig:"BACKUP_UPDATE_SCHEDULE" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8400",
			Host: "0.0.0.0",
		},
		Transport: TransportConfig{
			Address:     "http://localhost:9400",
			CallTimeout: 30 * time.Second,
			RetryMax:    3,
		},
		Backup: BackupConfig{
			DataDir:        "/var/lib/backupd/data",
			ChunkSize:      32 * 1024,
			OpTimeout:      5 * time.Minute,
			UpdateSchedule: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
