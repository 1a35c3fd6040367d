package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty it searches standard locations for
// mcptap.yaml/.yml; the explicit extension requirement keeps Viper from
// matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcptap")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MCPTAP_SERVER_ADDR overrides server.addr.
	viper.SetEnvPrefix("MCPTAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for mcptap.yaml or mcptap.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcptap"),
		"/etc/mcptap",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcptap"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so they can be overridden via
// environment variables.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.shutdown_timeout")
	_ = viper.BindEnv("data.root")
	_ = viper.BindEnv("data.capture_cache_size")
	_ = viper.BindEnv("proxy.exchange_timeout")
	_ = viper.BindEnv("code_mode.timeout")
	_ = viper.BindEnv("health.interval")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. A missing config file is not an
// error; the process can run on environment variables and defaults alone.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, or "" when
// running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// defaultDataRoot places data under the user home, falling back to the
// working directory.
func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcptap"
	}
	return filepath.Join(home, ".mcptap")
}

// WriteDefault writes a commented default configuration to path. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	var cfg Config
	cfg.SetDefaults()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	header := []byte("# mcptap configuration.\n# Every key can be overridden via MCPTAP_* environment variables,\n# e.g. MCPTAP_SERVER_ADDR=0.0.0.0:9090.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
