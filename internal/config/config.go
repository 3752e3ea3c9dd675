// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Venue       VenueConfig       `yaml:"venue"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	Persistence PersistenceConfig `yaml:"persistence"`
	System      SystemConfig      `yaml:"system"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// VenueConfig contains venue connectivity settings
type VenueConfig struct {
	Name            string `yaml:"name"`     // bridge or mock
	BaseURL         string `yaml:"base_url"` // command API endpoint
	WSURL           string `yaml:"ws_url"`   // order event stream endpoint
	APIKey          Secret `yaml:"api_key"`
	RequestTimeout  int    `yaml:"request_timeout_seconds"`
	CancelRateLimit int    `yaml:"cancel_rate_limit"` // cancel requests per second
}

// TrackingConfig contains pair tracking and reconciliation parameters
type TrackingConfig struct {
	Symbol            string `yaml:"symbol"`
	LockStaleness     int    `yaml:"lock_staleness_seconds"`
	OrphanConfirm     int    `yaml:"orphan_confirm_seconds"`
	ReconcileInterval int    `yaml:"reconcile_interval_seconds"`
	PendingTimeout    int    `yaml:"pending_timeout_seconds"`
	CancelTimeout     int    `yaml:"cancel_timeout_seconds"`
}

// PersistenceConfig contains snapshot storage settings
type PersistenceConfig struct {
	Backend          string `yaml:"backend"` // memory, file or sqlite
	Path             string `yaml:"path"`
	SnapshotInterval int    `yaml:"snapshot_interval_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// AlertsConfig contains alert delivery settings
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings. Event dispatch itself
// is single-worker so venue updates apply in arrival order; only the
// buffer between the stream and the dispatcher is tunable.
type ConcurrencyConfig struct {
	DispatchPoolBuffer int `yaml:"dispatch_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in zero-valued fields that have sensible defaults.
// Required fields (symbol, venue endpoints) are left alone so validation
// can catch a genuinely empty config.
func (c *Config) applyDefaults() {
	if c.Venue.Name == "" {
		c.Venue.Name = "bridge"
	}
	if c.Venue.RequestTimeout == 0 {
		c.Venue.RequestTimeout = 10
	}
	if c.Venue.CancelRateLimit == 0 {
		c.Venue.CancelRateLimit = 5
	}
	if c.Tracking.LockStaleness == 0 {
		c.Tracking.LockStaleness = 10
	}
	if c.Tracking.OrphanConfirm == 0 {
		c.Tracking.OrphanConfirm = 60
	}
	if c.Tracking.ReconcileInterval == 0 {
		c.Tracking.ReconcileInterval = 5
	}
	if c.Tracking.PendingTimeout == 0 {
		c.Tracking.PendingTimeout = 30
	}
	if c.Tracking.CancelTimeout == 0 {
		c.Tracking.CancelTimeout = 5
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "memory"
	}
	if c.Persistence.SnapshotInterval == 0 {
		c.Persistence.SnapshotInterval = 30
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Concurrency.DispatchPoolBuffer == 0 {
		c.Concurrency.DispatchPoolBuffer = 1024
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateVenueConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTrackingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validatePersistenceConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateConcurrencyConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateVenueConfig() error {
	validVenues := []string{"bridge", "mock"}
	if !contains(validVenues, c.Venue.Name) {
		return ValidationError{
			Field:   "venue.name",
			Value:   c.Venue.Name,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validVenues, ", ")),
		}
	}

	if c.Venue.Name == "bridge" {
		if c.Venue.BaseURL == "" {
			return ValidationError{
				Field:   "venue.base_url",
				Message: "command API endpoint is required for the bridge venue",
			}
		}
		if c.Venue.WSURL == "" {
			return ValidationError{
				Field:   "venue.ws_url",
				Message: "event stream endpoint is required for the bridge venue",
			}
		}
	}

	if c.Venue.RequestTimeout < 1 || c.Venue.RequestTimeout > 120 {
		return ValidationError{
			Field:   "venue.request_timeout_seconds",
			Value:   c.Venue.RequestTimeout,
			Message: "must be between 1 and 120",
		}
	}

	if c.Venue.CancelRateLimit < 1 || c.Venue.CancelRateLimit > 100 {
		return ValidationError{
			Field:   "venue.cancel_rate_limit",
			Value:   c.Venue.CancelRateLimit,
			Message: "must be between 1 and 100",
		}
	}

	return nil
}

func (c *Config) validateTrackingConfig() error {
	if c.Tracking.Symbol == "" {
		return ValidationError{
			Field:   "tracking.symbol",
			Message: "tracking symbol is required",
		}
	}

	if c.Tracking.LockStaleness < 1 || c.Tracking.LockStaleness > 300 {
		return ValidationError{
			Field:   "tracking.lock_staleness_seconds",
			Value:   c.Tracking.LockStaleness,
			Message: "must be between 1 and 300",
		}
	}

	if c.Tracking.OrphanConfirm < c.Tracking.ReconcileInterval {
		return ValidationError{
			Field:   "tracking.orphan_confirm_seconds",
			Value:   c.Tracking.OrphanConfirm,
			Message: "must be at least one reconcile interval, or every pass would repair on first sight",
		}
	}

	if c.Tracking.ReconcileInterval < 1 || c.Tracking.ReconcileInterval > 3600 {
		return ValidationError{
			Field:   "tracking.reconcile_interval_seconds",
			Value:   c.Tracking.ReconcileInterval,
			Message: "must be between 1 and 3600",
		}
	}

	if c.Tracking.PendingTimeout < 1 || c.Tracking.PendingTimeout > 3600 {
		return ValidationError{
			Field:   "tracking.pending_timeout_seconds",
			Value:   c.Tracking.PendingTimeout,
			Message: "must be between 1 and 3600",
		}
	}

	return nil
}

func (c *Config) validatePersistenceConfig() error {
	validBackends := []string{"memory", "file", "sqlite"}
	if !contains(validBackends, c.Persistence.Backend) {
		return ValidationError{
			Field:   "persistence.backend",
			Value:   c.Persistence.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validBackends, ", ")),
		}
	}

	if c.Persistence.Backend != "memory" && c.Persistence.Path == "" {
		return ValidationError{
			Field:   "persistence.path",
			Message: fmt.Sprintf("path is required for the %s backend", c.Persistence.Backend),
		}
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, c.System.LogLevel) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.DispatchPoolBuffer < 1 || c.Concurrency.DispatchPoolBuffer > 100000 {
		return ValidationError{
			Field:   "concurrency.dispatch_pool_buffer",
			Value:   c.Concurrency.DispatchPoolBuffer,
			Message: "must be between 1 and 100000",
		}
	}

	return nil
}

// expandEnvVars expands ${VAR} references in the raw YAML content
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	config := &Config{
		Venue: VenueConfig{
			Name: "mock",
		},
		Tracking: TrackingConfig{
			Symbol: "BTCUSDT",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: false,
			MetricsPort:   9090,
		},
	}
	config.applyDefaults()
	return config
}
