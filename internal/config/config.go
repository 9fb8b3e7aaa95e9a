// Package config loads the YAML configuration file, layers environment
// overrides on top, and converts the tenant and fleet sections to domain
// records.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 19850
	DefaultHost = "0.0.0.0"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute, // streams run long
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestLogging:  true,
		},
		Redis: RedisConfig{
			Addrs:          []string{"localhost:6379"},
			ReservationTTL: 11 * time.Minute,
		},
		Persistence: PersistenceConfig{
			Path: "arbiter.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Forwarder: ForwarderConfig{
			MaxRetryAttemptsDefault: 2,
			BreakerOnNetworkErrors:  false,
			FetchHeadersTimeout:     30 * time.Second,
			FetchBodyTimeout:        5 * time.Minute,
			HTTP2Enabled:            true,
			VendorBreakerCooldown:   2 * time.Minute,
			DegradedFeatureTTL:      5 * time.Minute,
		},
		Security: SecurityConfig{
			MaxBodyBytes: 32 << 20,
		},
	}
}

// envOverrides are the flat environment variables honoured on top of the
// file, kept for operational compatibility
var envOverrides = map[string]string{
	"forwarder.max_retry_attempts_default": "MAX_RETRY_ATTEMPTS_DEFAULT",
	"forwarder.breaker_on_network_errors":  "ENABLE_CIRCUIT_BREAKER_ON_NETWORK_ERRORS",
	"forwarder.fetch_headers_timeout":      "FETCH_HEADERS_TIMEOUT",
	"forwarder.fetch_body_timeout":         "FETCH_BODY_TIMEOUT",
	"forwarder.http2_enabled":              "HTTP2_ENABLED",
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads configuration from an explicit file path; an empty path
// falls back to the search locations and ARBITER_CONFIG
func LoadFrom(path string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envOverrides {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			if configFile := os.Getenv("ARBITER_CONFIG"); configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
				}
			}
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Filename = v.ConfigFileUsed()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Watch reloads the file on change and hands the fresh config to onReload.
// Decode or validation failures keep the previous generation.
func Watch(path string, onReload func(*Config), onError func(error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		fresh, err := LoadFrom(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onReload(fresh)
	})
	v.WatchConfig()
	return nil
}

// Validate rejects configurations that cannot possibly serve
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	providerIDs := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if providerIDs[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		providerIDs[p.ID] = true
		switch p.Type {
		case "anthropic", "codex", "gemini", "openai":
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
		if ttl := p.Rewrite.CacheTTL; ttl != "" && ttl != "5m" && ttl != "1h" {
			return fmt.Errorf("provider %s: cache_ttl must be 5m or 1h, got %q", p.ID, ttl)
		}
	}

	userIDs := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("user with empty id")
		}
		userIDs[u.ID] = true
	}
	for _, k := range c.Keys {
		if k.Secret == "" {
			return fmt.Errorf("key %s: empty secret", k.ID)
		}
		if !userIDs[k.User] {
			return fmt.Errorf("key %s: unknown user %q", k.ID, k.User)
		}
	}
	return nil
}
