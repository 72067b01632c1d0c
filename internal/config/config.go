// Package config loads agent configuration from an optional YAML file and
// the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 32145
	DefaultPollInterval = 250 * time.Millisecond
	DefaultLogBuffer    = 1000
	DefaultLogLevel     = "info"
)

// Config is the agent configuration. Fields missing from the file keep
// their defaults; environment variables override both.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Reader       string        `yaml:"reader"`
	ReaderIndex  int           `yaml:"reader_index"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogBuffer    int           `yaml:"log_buffer"`
	LogLevel     string        `yaml:"log_level"`
	Sentry       SentryConfig  `yaml:"sentry"`
}

// SentryConfig controls crash reporting. Enabled here forces reporting on
// regardless of the user's saved preference.
type SentryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		PollInterval: DefaultPollInterval,
		LogBuffer:    DefaultLogBuffer,
		LogLevel:     DefaultLogLevel,
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mifare-agent", "config.yaml")
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path reads DefaultPath if it exists and
// otherwise starts from the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if p := DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("MIFARE_AGENT_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("MIFARE_AGENT_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("MIFARE_AGENT_PORT: invalid port %q", port)
		}
		c.Port = p
	}
	if reader := os.Getenv("MIFARE_AGENT_READER"); reader != "" {
		c.Reader = reader
	}
	if poll := os.Getenv("MIFARE_AGENT_POLL_MS"); poll != "" {
		ms, err := strconv.Atoi(poll)
		if err != nil {
			return fmt.Errorf("MIFARE_AGENT_POLL_MS: invalid interval %q", poll)
		}
		c.PollInterval = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Validate checks that every field is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("config.host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config.port must be 1..65535, got %d", c.Port)
	}
	if c.ReaderIndex < 0 {
		return fmt.Errorf("config.reader_index must be >= 0")
	}
	if c.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("config.poll_interval must be at least 10ms, got %s", c.PollInterval)
	}
	if c.LogBuffer < 1 {
		return fmt.Errorf("config.log_buffer must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
