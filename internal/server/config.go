// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the consult service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
// MaxMessageSize bounds a whole websocket frame and must admit the largest
// inline file plus envelope overhead; MaxFileBytes bounds the encoded
// attachment payload itself.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	MaxFileBytes   int64
	RateLimit      RateLimitConfig
	Categories     []string

	allowAllOrigins bool
	allowedOrigins  map[string]struct{}
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() *Config {
	cfg := &Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://localhost:5157",
		},
		MaxMessageSize: 8 << 20,
		MaxFileBytes:   4 << 20,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Categories: []string{"General", "Heart", "Joint", "Dermatology", "Neurology"},
	}
	cfg.sanitize()
	return cfg
}

// LoadConfig builds the active configuration: defaults, then an optional YAML
// file named by CONFIG_FILE, then environment variable overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.sanitize()
	return cfg, nil
}

// applyEnv overrides settings from environment variables, keeping the current
// value when a variable is unset or unparseable.
func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseList(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseSizeValue(maxSize, c.MaxMessageSize)
	}

	if maxFile := os.Getenv("MAX_FILE_BYTES"); maxFile != "" {
		c.MaxFileBytes = parseSizeValue(maxFile, c.MaxFileBytes)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}

	if categories := os.Getenv("CATEGORIES"); categories != "" {
		c.Categories = parseList(categories)
	}
}

// sanitize fills zero values with defaults and rebuilds the origin allow-list.
func (c *Config) sanitize() {
	if c.Port == "" {
		c.Port = ":8080"
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8 << 20
	}

	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 4 << 20
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}

	normalized, allowAll := normalizeOrigins(c.AllowedOrigins)
	c.AllowedOrigins = normalized
	c.allowAllOrigins = allowAll
	c.allowedOrigins = make(map[string]struct{}, len(normalized))
	for _, origin := range normalized {
		c.allowedOrigins[origin] = struct{}{}
	}
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseSizeValue(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
