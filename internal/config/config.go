// Package config loads pipewatch configuration from a YAML file and
// PIPEWATCH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pipewatch/internal/stream"
)

// Config is the full tool configuration.
type Config struct {
	API struct {
		BaseURL        string `mapstructure:"base_url"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"api"`

	Stream struct {
		URL                string `mapstructure:"url"`
		ReadTimeoutSeconds int    `mapstructure:"read_timeout_seconds"`
	} `mapstructure:"stream"`

	Reconnect struct {
		MaxAttempts  int     `mapstructure:"max_attempts"`
		BaseDelayMS  int     `mapstructure:"base_delay_ms"`
		MaxDelayMS   int     `mapstructure:"max_delay_ms"`
		Exponential  bool    `mapstructure:"exponential"`
		JitterFactor float64 `mapstructure:"jitter_factor"`
	} `mapstructure:"reconnect"`

	Cache struct {
		Size       int `mapstructure:"size"`
		TTLSeconds int `mapstructure:"ttl_seconds"`
	} `mapstructure:"cache"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load reads configuration. An empty path searches ./pipewatch.yaml and
// ~/.pipewatch/pipewatch.yaml; a missing file is fine, defaults and
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("stream.url", "ws://localhost:8080/api/v1/stream")
	v.SetDefault("stream.read_timeout_seconds", 90)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay_ms", 1000)
	v.SetDefault("reconnect.max_delay_ms", 30000)
	v.SetDefault("reconnect.exponential", true)
	v.SetDefault("reconnect.jitter_factor", 0.15)
	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("PIPEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pipewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pipewatch")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ReconnectConfig converts the raw settings into the stream policy config.
func (c *Config) ReconnectConfig() stream.ReconnectConfig {
	return stream.ReconnectConfig{
		MaxAttempts:  c.Reconnect.MaxAttempts,
		BaseDelay:    time.Duration(c.Reconnect.BaseDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond,
		Exponential:  c.Reconnect.Exponential,
		JitterFactor: c.Reconnect.JitterFactor,
	}
}

// APITimeout returns the outbound request timeout.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// StreamReadTimeout returns the silent-connection cutoff for the stream.
func (c *Config) StreamReadTimeout() time.Duration {
	return time.Duration(c.Stream.ReadTimeoutSeconds) * time.Second
}

// CacheTTL returns the cached-view expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
