package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.LogLevel != "info" || cfg.Server.LogFormat != "text" {
		t.Errorf("log defaults = %q/%q", cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	if cfg.Data.Root == "" {
		t.Error("Data.Root not defaulted")
	}
	if cfg.Data.CaptureCacheSize != 1000 {
		t.Errorf("CaptureCacheSize = %d", cfg.Data.CaptureCacheSize)
	}
	if cfg.ExchangeTimeout() != 2*time.Minute {
		t.Errorf("ExchangeTimeout() = %v", cfg.ExchangeTimeout())
	}
	if cfg.CodeModeTimeout() != 30*time.Second {
		t.Errorf("CodeModeTimeout() = %v", cfg.CodeModeTimeout())
	}
	if cfg.HealthInterval() != 30*time.Second {
		t.Errorf("HealthInterval() = %v", cfg.HealthInterval())
	}
	if cfg.ShutdownTimeout() != 10*time.Second {
		t.Errorf("ShutdownTimeout() = %v", cfg.ShutdownTimeout())
	}

	// Defaults must themselves validate.
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func TestConfig_SetDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.Server.Addr = "0.0.0.0:9090"
	cfg.Proxy.ExchangeTimeout = "5m"
	cfg.SetDefaults()

	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Errorf("explicit Addr overwritten: %q", cfg.Server.Addr)
	}
	if cfg.ExchangeTimeout() != 5*time.Minute {
		t.Errorf("explicit ExchangeTimeout overwritten: %v", cfg.ExchangeTimeout())
	}
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad addr", func(c *Config) { c.Server.Addr = "not an addr" }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.Server.LogFormat = "xml" }},
		{"missing data root", func(c *Config) { c.Data.Root = "" }},
		{"negative cache size", func(c *Config) { c.Data.CaptureCacheSize = -1 }},
		{"bad exchange timeout", func(c *Config) { c.Proxy.ExchangeTimeout = "soon" }},
		{"bad codemode timeout", func(c *Config) { c.CodeMode.Timeout = "30" }},
		{"bad health interval", func(c *Config) { c.Health.Interval = "never" }},
		{"bad shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = "10 seconds" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestConfig_HealthIntervalZeroDisables(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()
	cfg.Health.Interval = "0s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.HealthInterval() != 0 {
		t.Errorf("HealthInterval() = %v, want 0", cfg.HealthInterval())
	}
}

func TestWriteDefault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcptap.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# mcptap configuration.") {
		t.Error("default config missing commented header")
	}
	for _, want := range []string{"addr: 127.0.0.1:8080", "exchange_timeout: 2m", "capture_cache_size: 1000"} {
		if !strings.Contains(content, want) {
			t.Errorf("default config missing %q:\n%s", want, content)
		}
	}

	// Never clobber an existing file.
	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault() = nil on existing file, want error")
	}
}
