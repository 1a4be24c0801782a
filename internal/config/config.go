// Package config loads service configuration with viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/liamcoop/bizrules/internal/logger"
)

// Config holds the settings of the rules service.
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	MaxBodyBytes   int64

	// DatabaseURL selects sqlite:// or postgres:// storage. Empty keeps rules in memory.
	DatabaseURL string
	// RulesFile is a YAML file of rules created at startup. Entries already stored
	// are kept; with a database every entry needs an id.
	RulesFile string
	CacheTTL  time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           8080,
		RequestTimeout: 60 * time.Second,
		MaxBodyBytes:   1 << 20,
		CacheTTL:       0,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads configuration from an optional file.
// Environment (BIZRULES_ prefix) > config file > defaults.
func Load(configPath string) (*Config, error) {
	d := Default()
	v := viper.New()

	v.SetDefault("server.host", d.Host)
	v.SetDefault("server.port", d.Port)
	v.SetDefault("server.request_timeout", d.RequestTimeout.String())
	v.SetDefault("server.max_body_bytes", d.MaxBodyBytes)
	v.SetDefault("database.url", "")
	v.SetDefault("rules.file", "")
	v.SetDefault("rules.cache_ttl", d.CacheTTL.String())
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)

	v.SetEnvPrefix("BIZRULES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Host:           v.GetString("server.host"),
		Port:           v.GetInt("server.port"),
		RequestTimeout: v.GetDuration("server.request_timeout"),
		MaxBodyBytes:   v.GetInt64("server.max_body_bytes"),
		DatabaseURL:    v.GetString("database.url"),
		RulesFile:      v.GetString("rules.file"),
		CacheTTL:       v.GetDuration("rules.cache_ttl"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func Validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.RequestTimeout)
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", cfg.MaxBodyBytes)
	}
	if cfg.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative, got %v", cfg.CacheTTL)
	}
	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", cfg.LogFormat)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
