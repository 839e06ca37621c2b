// Package config provides gateway configuration from defaults, an optional
// YAML file, and environment variables (in increasing precedence).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat returns the float for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return b
}

// GatewayConfig holds configuration for the gateway core.
type GatewayConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DBPath          string        `yaml:"db_path"`

	// Correlation.
	EventWindow     time.Duration `yaml:"event_window"`
	EventWindowSize int           `yaml:"event_window_size"`
	WindowCacheSize int           `yaml:"window_cache_size"`
	BlockRateCount  int           `yaml:"block_rate_count"`
	BlockRateWindow time.Duration `yaml:"block_rate_window"`

	// Risk scoring.
	RiskHalfLife        time.Duration `yaml:"risk_half_life"`
	SuspiciousThreshold float64       `yaml:"suspicious_threshold"`
	ClearThreshold      float64       `yaml:"clear_threshold"`

	// Enforcement.
	AllowEnforcement   bool          `yaml:"allow_enforcement"`
	DryRun             bool          `yaml:"dry_run"`
	ControlEndpoint    string        `yaml:"control_endpoint"`
	ControlToken       string        `yaml:"control_token"`
	EnforcementTimeout time.Duration `yaml:"enforcement_timeout"`

	// DNS sinkhole log tailing (disabled when path is empty).
	DNSLogPath      string        `yaml:"dns_log_path"`
	DNSPollInterval time.Duration `yaml:"dns_poll_interval"`
}

// DefaultGatewayConfig returns the built-in defaults. Detector and risk
// constants are a starting calibration, tunable via file or environment.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 30 * time.Second,
		DBPath:          "/var/lib/bastion/gateway.db",

		EventWindow:     30 * time.Minute,
		EventWindowSize: 500,
		WindowCacheSize: 1024,
		BlockRateCount:  5,
		BlockRateWindow: 10 * time.Minute,

		RiskHalfLife:        72 * time.Hour,
		SuspiciousThreshold: 40,
		ClearThreshold:      25,

		AllowEnforcement:   false,
		DryRun:             true,
		ControlEndpoint:    "",
		ControlToken:       "",
		EnforcementTimeout: 10 * time.Second,

		DNSLogPath:      "",
		DNSPollInterval: 5 * time.Second,
	}
}

// Load builds the gateway config: defaults, then the YAML file at path (if
// path is non-empty and the file exists), then environment overrides.
func Load(path string) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *GatewayConfig) applyEnv() {
	c.HTTPAddr = GetEnv("BASTION_HTTP_ADDR", c.HTTPAddr)
	c.ShutdownTimeout = GetEnvDuration("BASTION_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.DBPath = GetEnv("BASTION_DB_PATH", c.DBPath)

	c.EventWindow = GetEnvDuration("BASTION_EVENT_WINDOW", c.EventWindow)
	c.EventWindowSize = GetEnvInt("BASTION_EVENT_WINDOW_SIZE", c.EventWindowSize)
	c.WindowCacheSize = GetEnvInt("BASTION_WINDOW_CACHE_SIZE", c.WindowCacheSize)
	c.BlockRateCount = GetEnvInt("BASTION_BLOCK_RATE_COUNT", c.BlockRateCount)
	c.BlockRateWindow = GetEnvDuration("BASTION_BLOCK_RATE_WINDOW", c.BlockRateWindow)

	c.RiskHalfLife = GetEnvDuration("BASTION_RISK_HALF_LIFE", c.RiskHalfLife)
	c.SuspiciousThreshold = GetEnvFloat("BASTION_SUSPICIOUS_THRESHOLD", c.SuspiciousThreshold)
	c.ClearThreshold = GetEnvFloat("BASTION_CLEAR_THRESHOLD", c.ClearThreshold)

	c.AllowEnforcement = GetEnvBool("BASTION_ALLOW_ENFORCEMENT", c.AllowEnforcement)
	c.DryRun = GetEnvBool("BASTION_DRY_RUN", c.DryRun)
	c.ControlEndpoint = GetEnv("BASTION_CONTROL_ENDPOINT", c.ControlEndpoint)
	c.ControlToken = GetEnv("BASTION_CONTROL_TOKEN", c.ControlToken)
	c.EnforcementTimeout = GetEnvDuration("BASTION_ENFORCEMENT_TIMEOUT", c.EnforcementTimeout)

	c.DNSLogPath = GetEnv("BASTION_DNS_LOG_PATH", c.DNSLogPath)
	c.DNSPollInterval = GetEnvDuration("BASTION_DNS_POLL_INTERVAL", c.DNSPollInterval)
}

// EnforcementAllowed is the fail-closed safety gate: real enforcement is
// denied unless explicitly enabled, not in dry-run, and an endpoint for the
// control mechanism is configured.
func (c GatewayConfig) EnforcementAllowed() bool {
	if !c.AllowEnforcement {
		return false
	}
	if c.DryRun {
		return false
	}
	if c.ControlEndpoint == "" {
		return false
	}
	return true
}
