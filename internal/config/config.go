// Package config provides configuration loading for mcptap.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Data     DataConfig     `yaml:"data" mapstructure:"data"`
	Proxy    ProxyConfig    `yaml:"proxy" mapstructure:"proxy"`
	CodeMode CodeModeConfig `yaml:"code_mode" mapstructure:"code_mode"`
	Health   HealthConfig   `yaml:"health" mapstructure:"health"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// LogLevel controls slog verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects "text" or "json" handler output.
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// ShutdownTimeout bounds graceful shutdown, as a duration string.
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty"`
}

// DataConfig configures the on-disk layout.
type DataConfig struct {
	// Root is the data directory holding registry.json and the per-server
	// capture directories.
	Root string `yaml:"root" mapstructure:"root" validate:"required"`

	// CaptureCacheSize is the size of the in-memory recent-records ring.
	CaptureCacheSize int `yaml:"capture_cache_size" mapstructure:"capture_cache_size" validate:"omitempty,min=1"`
}

// ProxyConfig configures the forwarding engine.
type ProxyConfig struct {
	// ExchangeTimeout is the global per-exchange deadline, as a duration
	// string. Covers SSE streams as well.
	ExchangeTimeout string `yaml:"exchange_timeout" mapstructure:"exchange_timeout" validate:"omitempty"`
}

// CodeModeConfig configures the script execution sandbox.
type CodeModeConfig struct {
	// Timeout bounds each script run, independent of HTTP timeouts.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// HealthConfig configures the upstream health checker.
type HealthConfig struct {
	// Interval between probe sweeps; "0" disables probing.
	Interval string `yaml:"interval" mapstructure:"interval" validate:"omitempty"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Data.Root == "" {
		c.Data.Root = defaultDataRoot()
	}
	if c.Data.CaptureCacheSize == 0 {
		c.Data.CaptureCacheSize = 1000
	}
	if c.Proxy.ExchangeTimeout == "" {
		c.Proxy.ExchangeTimeout = "2m"
	}
	if c.CodeMode.Timeout == "" {
		c.CodeMode.Timeout = "30s"
	}
	if c.Health.Interval == "" {
		c.Health.Interval = "30s"
	}
}

// Validate checks the configuration, including that every duration field
// parses.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	for name, value := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"proxy.exchange_timeout":  c.Proxy.ExchangeTimeout,
		"code_mode.timeout":       c.CodeMode.Timeout,
		"health.interval":         c.Health.Interval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
	}
	return nil
}

// Duration helpers; Validate has already established the fields parse.

func (c *Config) ShutdownTimeout() time.Duration { return mustDuration(c.Server.ShutdownTimeout) }

func (c *Config) ExchangeTimeout() time.Duration { return mustDuration(c.Proxy.ExchangeTimeout) }

func (c *Config) CodeModeTimeout() time.Duration { return mustDuration(c.CodeMode.Timeout) }

func (c *Config) HealthInterval() time.Duration { return mustDuration(c.Health.Interval) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
