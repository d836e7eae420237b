// Package server loads the optional YAML configuration file and overlays it
// onto the defaults before environment overrides apply.
package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	MaxFileBytes   int64    `yaml:"max_file_bytes"`
	RateLimit      struct {
		Burst                 int `yaml:"burst"`
		RefillIntervalSeconds int `yaml:"refill_interval_seconds"`
	} `yaml:"rate_limit"`
	Categories []string `yaml:"categories"`
}

// loadConfigFile reads a YAML config file, expands ${VAR} environment
// references, and applies every non-zero field onto cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = fc.MaxMessageSize
	}
	if fc.MaxFileBytes > 0 {
		cfg.MaxFileBytes = fc.MaxFileBytes
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	if fc.RateLimit.RefillIntervalSeconds > 0 {
		cfg.RateLimit.RefillInterval = time.Duration(fc.RateLimit.RefillIntervalSeconds) * time.Second
	}
	if len(fc.Categories) > 0 {
		cfg.Categories = fc.Categories
	}

	return nil
}
