package broker

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob for a broker process.
// Tags are consumed by github.com/caarlos0/env.
type Config struct {
	Addr                string `env:"BROKER_ADDR" envDefault:"127.0.0.1:8889"`
	DefaultBufferSize   int    `env:"BROKER_DEFAULT_BUFFER_SIZE" envDefault:"1000"`
	MaxConnections      int    `env:"BROKER_MAX_CONNECTIONS" envDefault:"10000"`

	CommandRateBurst  int `env:"BROKER_COMMAND_RATE_BURST" envDefault:"200"`
	CommandRatePerSec int `env:"BROKER_COMMAND_RATE_PER_SEC" envDefault:"50"`

	CPURejectThreshold float64       `env:"BROKER_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	CPUSampleInterval  time.Duration `env:"BROKER_CPU_SAMPLE_INTERVAL" envDefault:"2s"`

	MetricsAddr string `env:"BROKER_METRICS_ADDR" envDefault:"127.0.0.1:9102"`

	LogLevel  string `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BROKER_LOG_FORMAT" envDefault:"json"`

	NATSURL          string `env:"BROKER_NATS_URL" envDefault:""`
	NATSSubjectPrefix string `env:"BROKER_NATS_SUBJECT_PREFIX" envDefault:"zaichik"`
}

// LoadConfig reads an optional .env file followed by the process
// environment, applying defaults for anything unset, then validates
// the result.
func LoadConfig() (*Config, error) {
	// Optional convenience for local development; production deploys
	// set real environment variables and simply won't have a .env file.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints that env.Parse cannot
// express on its own.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BROKER_ADDR is required")
	}
	if c.DefaultBufferSize <= 0 {
		return fmt.Errorf("BROKER_DEFAULT_BUFFER_SIZE must be > 0, got %d", c.DefaultBufferSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("BROKER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CommandRateBurst <= 0 || c.CommandRatePerSec <= 0 {
		return fmt.Errorf("BROKER_COMMAND_RATE_BURST and BROKER_COMMAND_RATE_PER_SEC must be > 0")
	}
	if c.CPURejectThreshold <= 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BROKER_CPU_REJECT_THRESHOLD must be in (0, 100], got %.1f", c.CPURejectThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("BROKER_LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("BROKER_LOG_FORMAT must be one of json/console, got %q", c.LogFormat)
	}
	return nil
}

// LogFields emits the resolved configuration once, at startup, via
// structured logging rather than a printed banner.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("default_buffer_size", c.DefaultBufferSize).
		Int("max_connections", c.MaxConnections).
		Int("command_rate_burst", c.CommandRateBurst).
		Int("command_rate_per_sec", c.CommandRatePerSec).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("cpu_sample_interval", c.CPUSampleInterval).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Bool("nats_mirror_enabled", c.NATSURL != "").
		Msg("broker configuration loaded")
}
