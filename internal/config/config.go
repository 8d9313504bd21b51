// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every setting the process reads from its environment.
//
// Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	Address string `env:"ADDRESS" envDefault:"0.0.0.0"`
	Port    int    `env:"PORT" envDefault:"5000"`

	RedisAddr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	ShouldResetRedis bool   `env:"SHOULD_RESET_REDIS" envDefault:"false"`

	SandboxAddr     string `env:"SANDBOX_ADDR" envDefault:"localhost:7000"`
	SandboxLanguage string `env:"SANDBOX_LANGUAGE" envDefault:"python"`
	TasksPath       string `env:"TASKS_PATH" envDefault:"tasks.toml"`

	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"50s"`
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`

	RateLimitPerSec float64 `env:"RATE_LIMIT_PER_SEC" envDefault:"20"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// CPURejectPercent and MemoryRejectBytes are the sysload admission
	// gate's rejection thresholds. A value of 0 disables that check.
	CPURejectPercent  float64 `env:"CPU_REJECT_PERCENT" envDefault:"90"`
	MemoryRejectBytes int64   `env:"MEMORY_REJECT_BYTES" envDefault:"0"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the process
// environment. Environment variables always win over the .env file.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the parsed configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in (0, 65535], got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.SandboxLanguage == "" {
		return fmt.Errorf("SANDBOX_LANGUAGE must not be empty")
	}
	if c.RateLimitPerSec <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC must be > 0, got %f", c.RateLimitPerSec)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.CPURejectPercent < 0 || c.CPURejectPercent > 100 {
		return fmt.Errorf("CPU_REJECT_PERCENT must be in [0, 100], got %f", c.CPURejectPercent)
	}
	if c.MemoryRejectBytes < 0 {
		return fmt.Errorf("MEMORY_REJECT_BYTES must be >= 0, got %d", c.MemoryRejectBytes)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console, got %q", c.LogFormat)
	}

	return nil
}

// BindAddr is the host:port pair the shard listens on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}
