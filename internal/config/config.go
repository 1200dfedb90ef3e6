package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-errorwatch/internal/ratelimit"
)

// Rate-limit tiers consulted by the service layer.
const (
	TierSessionCreate = "session_create"
	TierAddError      = "add_error"
)

// Config captures the settings required to boot errorwatch.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	MCP       MCPConfig       `yaml:"mcp"`
	Detector  DetectorConfig  `yaml:"detector"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SessionsConfig controls session retention.
type SessionsConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	MaxErrors       int           `yaml:"maxErrors"`
}

// RateLimitConfig declares the admission tiers.
type RateLimitConfig struct {
	CleanupInterval time.Duration                   `yaml:"cleanupInterval"`
	Tiers           map[string]ratelimit.TierConfig `yaml:"tiers"`
}

// MCPConfig toggles the stdio tool server.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DetectorConfig points at the YAML fixtures backing the detector.
type DetectorConfig struct {
	FixturesPath string `yaml:"fixturesPath"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ERRORWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the core constructors would refuse.
func (c *Config) Validate() error {
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive, got %s", c.Sessions.TTL)
	}
	for name, tier := range c.RateLimit.Tiers {
		if tier.Limit < 1 || tier.Window <= 0 {
			return fmt.Errorf("rateLimit.tiers.%s: limit and window must be positive", name)
		}
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Sessions: SessionsConfig{
			TTL:             30 * time.Minute,
			CleanupInterval: time.Minute,
			MaxErrors:       1000,
		},
		RateLimit: RateLimitConfig{
			CleanupInterval: time.Minute,
			Tiers: map[string]ratelimit.TierConfig{
				TierSessionCreate: {Limit: 10, Window: time.Minute},
				TierAddError:      {Limit: 120, Window: time.Minute},
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ERRORWATCH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ERRORWATCH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("ERRORWATCH_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.GracefulTimeout = d
		}
	}
	if v := os.Getenv("ERRORWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ERRORWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ERRORWATCH_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.TTL = d
		}
	}
	if v := os.Getenv("ERRORWATCH_SESSION_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.CleanupInterval = d
		}
	}
	if v := os.Getenv("ERRORWATCH_SESSION_MAX_ERRORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.MaxErrors = n
		}
	}
	if v := os.Getenv("ERRORWATCH_RATE_LIMIT_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.CleanupInterval = d
		}
	}
	overrideTier(cfg, TierSessionCreate, "ERRORWATCH_SESSION_CREATE_LIMIT", "ERRORWATCH_SESSION_CREATE_WINDOW")
	overrideTier(cfg, TierAddError, "ERRORWATCH_ADD_ERROR_LIMIT", "ERRORWATCH_ADD_ERROR_WINDOW")
	if v := os.Getenv("ERRORWATCH_MCP_ENABLED"); v != "" {
		cfg.MCP.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("ERRORWATCH_DETECTOR_FIXTURES"); v != "" {
		cfg.Detector.FixturesPath = v
	}
}

func overrideTier(cfg *Config, name, limitVar, windowVar string) {
	limit, window := os.Getenv(limitVar), os.Getenv(windowVar)
	if limit == "" && window == "" {
		return
	}
	if cfg.RateLimit.Tiers == nil {
		cfg.RateLimit.Tiers = make(map[string]ratelimit.TierConfig)
	}
	tier := cfg.RateLimit.Tiers[name]
	if n, err := strconv.Atoi(limit); err == nil {
		tier.Limit = n
	}
	if d, err := time.ParseDuration(window); err == nil {
		tier.Window = d
	}
	cfg.RateLimit.Tiers[name] = tier
}
