package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all kerneld configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Echo      EchoConfig      `yaml:"echo"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds diagnostics HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"KERNELD_PORT" default:"9464" yaml:"port"`
	Host string `envconfig:"KERNELD_HOST" default:"127.0.0.1" yaml:"host"`
}

// KernelConfig tunes the primitive layer.
type KernelConfig struct {
	SemSpinCount     int           `envconfig:"SEM_SPIN_COUNT" default:"64" yaml:"sem_spin_count"`
	MailboxSpinCount int           `envconfig:"MAILBOX_SPIN_COUNT" default:"32" yaml:"mailbox_spin_count"`
	PortSendRetries  int           `envconfig:"PORT_SEND_RETRIES" default:"10" yaml:"port_send_retries"`
	PortRetryDelay   time.Duration `envconfig:"PORT_RETRY_DELAY" default:"10ms" yaml:"port_retry_delay"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"50ms" yaml:"poll_interval"`
	PortMaxMessage   int           `envconfig:"PORT_MAX_MESSAGE" default:"65536" yaml:"port_max_message"`
}

// EchoConfig holds the echo port service configuration.
type EchoConfig struct {
	PortName string `envconfig:"ECHO_PORT_NAME" default:"kerneld.echo" yaml:"port_name"`
	Capacity int32  `envconfig:"ECHO_PORT_CAPACITY" default:"64" yaml:"capacity"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration. Global shares one bucket
// across all clients instead of one per client IP.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
	Global            bool `envconfig:"RATE_LIMIT_GLOBAL" default:"false" yaml:"global"`
}

// CORSConfig holds cross-origin settings for the diagnostics API.
type CORSConfig struct {
	AllowOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*" yaml:"allow_origins"`
	MaxAge       time.Duration `envconfig:"CORS_MAX_AGE" default:"12h" yaml:"max_age"`
	Enabled      bool          `envconfig:"CORS_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from a YAML file. Keys missing from the file
// keep their defaults, and an empty file yields Default(). The environment is
// not consulted.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects values the kernel cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Kernel.SemSpinCount < 0:
		return fmt.Errorf("SEM_SPIN_COUNT must be >= 0, got %d", c.Kernel.SemSpinCount)
	case c.Kernel.MailboxSpinCount < 0:
		return fmt.Errorf("MAILBOX_SPIN_COUNT must be >= 0, got %d", c.Kernel.MailboxSpinCount)
	case c.Kernel.PortSendRetries < 0:
		return fmt.Errorf("PORT_SEND_RETRIES must be >= 0, got %d", c.Kernel.PortSendRetries)
	case c.Kernel.PollInterval <= 0:
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Kernel.PollInterval)
	case c.Kernel.PortMaxMessage <= 0:
		return fmt.Errorf("PORT_MAX_MESSAGE must be positive, got %d", c.Kernel.PortMaxMessage)
	case c.Echo.Capacity <= 0:
		return fmt.Errorf("ECHO_PORT_CAPACITY must be positive, got %d", c.Echo.Capacity)
	case c.Echo.PortName == "":
		return fmt.Errorf("ECHO_PORT_NAME must not be empty")
	case c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0):
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "9464",
			Host: "127.0.0.1",
		},
		Kernel: KernelConfig{
			SemSpinCount:     64,
			MailboxSpinCount: 32,
			PortSendRetries:  10,
			PortRetryDelay:   10 * time.Millisecond,
			PollInterval:     50 * time.Millisecond,
			PortMaxMessage:   65536,
		},
		Echo: EchoConfig{
			PortName: "kerneld.echo",
			Capacity: 64,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			MaxAge:       12 * time.Hour,
			Enabled:      true,
		},
	}
}
