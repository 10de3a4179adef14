// Package config provides configuration loading for the sark gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for sark.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("sark")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SARK_SERVER_HTTP_ADDR and friends.
	viper.SetEnvPrefix("SARK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a sark config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sark"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sark"))
		}
	} else {
		paths = append(paths, "/etc/sark")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for sark.yaml or
// .yml and returns the first match.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sark"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Array-valued sections (users, api keys, sinks, servers, time
// rules, pricing) are file-only.
func bindNestedEnvKeys() {
	keys := []string{
		"server.http_addr",
		"server.log_level",
		"server.log_format",
		"server.shutdown_timeout",

		"auth.access_ttl",
		"auth.refresh_ttl",

		"policy.engine",
		"policy.dir",
		"policy.watch",
		"policy.remote_url",
		"policy.remote_timeout",
		"policy.rollout_percent",

		"cache.enabled",
		"cache.max_entries",
		"cache.default_ttl",

		"rate_limit.enabled",
		"rate_limit.backend",
		"rate_limit.redis_addr",
		"rate_limit.api_key_max",
		"rate_limit.user_max",
		"rate_limit.ip_max",
		"rate_limit.window",
		"rate_limit.admin_bypass",

		"budget.daily_cap",
		"budget.monthly_cap",
		"budget.timezone",

		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.fallback_dir",

		"storage.driver",
		"storage.dsn",

		"telemetry.tracing",
		"telemetry.metrics",

		"dev_mode",
	}
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates. Callers that override DevMode from a CLI
// flag should use LoadConfigRaw instead and finish initialization
// themselves.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does not apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: run on env vars and defaults alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
