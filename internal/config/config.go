// Package config loads gatekeeper runtime settings: built-in defaults, then
// an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/triage-ai/gatekeeper/internal/admission"
	"github.com/triage-ai/gatekeeper/internal/chread"
	"github.com/triage-ai/gatekeeper/internal/contentgate"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "GATEKEEPER_CONFIG_FILE"

// Config is the full runtime configuration.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	GRPCPort string `yaml:"grpc_port"`
	LogLevel string `yaml:"log_level"`

	Admission admission.Config `yaml:"admission"`

	ContentMaxLength int    `yaml:"content_max_length"`
	RulesFile        string `yaml:"rules_file"`

	ToolTimeoutMs            int `yaml:"tool_timeout_ms"`
	PermissionCacheTTLSecond int `yaml:"permission_cache_ttl_s"`

	MetricRetentionSeconds int                `yaml:"metric_retention_s"`
	MetricTickSeconds      int                `yaml:"metric_tick_s"`
	AlertCooldownSeconds   int                `yaml:"alert_cooldown_s"`
	Alerts                 metrics.Thresholds `yaml:"alerts"`

	AuditRetentionDays int `yaml:"audit_retention_days"`

	PostgresDSN    string `yaml:"postgres_dsn"`
	ClickHouseDSN  string `yaml:"clickhouse_dsn"`
	AdminTokenHash string `yaml:"admin_token_hash"`

	// Tools maps a tool name to the HTTP endpoint that runs it. File only.
	Tools map[string]string `yaml:"tools"`
}

// Defaults returns the stock configuration.
func Defaults() Config {
	return Config{
		HTTPPort:                 "8080",
		GRPCPort:                 "9090",
		LogLevel:                 "info",
		Admission:                admission.DefaultConfig(),
		ContentMaxLength:         contentgate.DefaultMaxLength,
		ToolTimeoutMs:            30_000,
		PermissionCacheTTLSecond: 60,
		MetricRetentionSeconds:   int(metrics.DefaultRetention / time.Second),
		MetricTickSeconds:        int(metrics.DefaultTickInterval / time.Second),
		AlertCooldownSeconds:     int(metrics.DefaultAlertCooldown / time.Second),
		Alerts:                   metrics.DefaultThresholds(),
		AuditRetentionDays:       chread.DefaultRetentionDays,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("Load: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("Load %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv is Load with the path taken from GATEKEEPER_CONFIG_FILE.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(FileEnv))
}

func (c *Config) applyEnv() {
	c.HTTPPort = envOrDefault("GATEKEEPER_HTTP_PORT", c.HTTPPort)
	c.GRPCPort = envOrDefault("GATEKEEPER_GRPC_PORT", c.GRPCPort)
	c.LogLevel = envOrDefault("GATEKEEPER_LOG_LEVEL", c.LogLevel)

	c.Admission.User.Capacity = envOrDefaultFloat("GATEKEEPER_USER_BUCKET_CAPACITY", c.Admission.User.Capacity)
	c.Admission.User.RefillPerSecond = envOrDefaultFloat("GATEKEEPER_USER_BUCKET_REFILL", c.Admission.User.RefillPerSecond)
	c.Admission.Global.Capacity = envOrDefaultFloat("GATEKEEPER_GLOBAL_BUCKET_CAPACITY", c.Admission.Global.Capacity)
	c.Admission.Global.RefillPerSecond = envOrDefaultFloat("GATEKEEPER_GLOBAL_BUCKET_REFILL", c.Admission.Global.RefillPerSecond)
	c.Admission.MaxTrackedCallers = envOrDefaultInt("GATEKEEPER_MAX_TRACKED_CALLERS", c.Admission.MaxTrackedCallers)

	c.ContentMaxLength = envOrDefaultInt("GATEKEEPER_CONTENT_MAX_LENGTH", c.ContentMaxLength)
	c.RulesFile = envOrDefault("GATEKEEPER_RULES_FILE", c.RulesFile)
	c.ToolTimeoutMs = envOrDefaultInt("GATEKEEPER_TOOL_TIMEOUT_MS", c.ToolTimeoutMs)
	c.PermissionCacheTTLSecond = envOrDefaultInt("GATEKEEPER_PERMISSION_CACHE_TTL_S", c.PermissionCacheTTLSecond)

	c.MetricRetentionSeconds = envOrDefaultInt("GATEKEEPER_METRIC_RETENTION_S", c.MetricRetentionSeconds)
	c.MetricTickSeconds = envOrDefaultInt("GATEKEEPER_METRIC_TICK_S", c.MetricTickSeconds)
	c.AlertCooldownSeconds = envOrDefaultInt("GATEKEEPER_ALERT_COOLDOWN_S", c.AlertCooldownSeconds)
	c.AuditRetentionDays = envOrDefaultInt("GATEKEEPER_AUDIT_RETENTION_DAYS", c.AuditRetentionDays)

	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)
	c.AdminTokenHash = envOrDefault("GATEKEEPER_ADMIN_TOKEN_HASH", c.AdminTokenHash)
}

// Validate rejects settings that would disable a safety stage.
func (c Config) Validate() error {
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	switch {
	case c.ContentMaxLength <= 0:
		return errors.New("content_max_length must be positive")
	case c.ToolTimeoutMs <= 0:
		return errors.New("tool_timeout_ms must be positive")
	case c.PermissionCacheTTLSecond <= 0:
		return errors.New("permission_cache_ttl_s must be positive")
	case c.MetricRetentionSeconds <= 0:
		return errors.New("metric_retention_s must be positive")
	case c.MetricTickSeconds <= 0:
		return errors.New("metric_tick_s must be positive")
	case c.AlertCooldownSeconds <= 0:
		return errors.New("alert_cooldown_s must be positive")
	}
	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	return nil
}

func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

func (c Config) PermissionCacheTTL() time.Duration {
	return time.Duration(c.PermissionCacheTTLSecond) * time.Second
}

func (c Config) MetricRetention() time.Duration {
	return time.Duration(c.MetricRetentionSeconds) * time.Second
}

func (c Config) MetricTick() time.Duration {
	return time.Duration(c.MetricTickSeconds) * time.Second
}

func (c Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
