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
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   SessionConfig   `yaml:"trading"`
	System    SystemConfig    `yaml:"system"`
	Server    ServerConfig    `yaml:"server"`
	Timing    TimingConfig    `yaml:"timing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
	// AutoStart starts a session from the trading section at boot
	AutoStart bool `yaml:"auto_start"`
}

// ExchangeConfig contains venue connection settings
type ExchangeConfig struct {
	Name             string  `yaml:"name"`
	APIKey           Secret  `yaml:"api_key"`
	SecretKey        Secret  `yaml:"secret_key"`
	BaseURL          string  `yaml:"base_url"`
	WSURL            string  `yaml:"ws_url"`
	RecvWindowMs     int     `yaml:"recv_window_ms"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
	RateLimit        float64 `yaml:"rate_limit"` // requests per second
	RateBurst        int     `yaml:"rate_burst"`
	EventBuffer      int     `yaml:"event_buffer"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level"`
	HistoryDB string `yaml:"history_db"` // empty keeps run history in memory
}

// ServerConfig contains control surface settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	StreamReconnectAttempts int `yaml:"stream_reconnect_attempts"`
	StreamPingInterval      int `yaml:"stream_ping_interval"` // seconds
	ListenKeyKeepalive      int `yaml:"listen_key_keepalive"` // seconds
	TPRetryInitialMs        int `yaml:"tp_retry_initial_ms"`
	TPRetryMaxMs            int `yaml:"tp_retry_max_ms"`
	TPIdlePollMs            int `yaml:"tp_idle_poll_ms"`
	TestOrderCheckMs        int `yaml:"test_order_check_ms"`
	ShutdownTimeout         int `yaml:"shutdown_timeout"` // seconds
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	TraceStdout bool   `yaml:"trace_stdout"`
	LogStdout   bool   `yaml:"log_stdout"`
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
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Trading.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Exchange.Name != "mexc" {
		errs = append(errs, ValidationError{
			Field:   "exchange.name",
			Value:   c.Exchange.Name,
			Message: "must be one of: mexc",
		}.Error())
	}
	if c.Exchange.RecvWindowMs <= 0 || c.Exchange.RecvWindowMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "exchange.recv_window_ms",
			Value:   c.Exchange.RecvWindowMs,
			Message: "must be between 1 and 60000",
		}.Error())
	}
	if c.Exchange.EventBuffer <= 0 {
		errs = append(errs, ValidationError{
			Field:   "exchange.event_buffer",
			Value:   c.Exchange.EventBuffer,
			Message: "must be positive",
		}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if c.Timing.StreamReconnectAttempts <= 0 {
		errs = append(errs, ValidationError{
			Field:   "timing.stream_reconnect_attempts",
			Value:   c.Timing.StreamReconnectAttempts,
			Message: "must be positive",
		}.Error())
	}

	if c.App.AutoStart {
		trading := c.SessionDefaults()
		if err := trading.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// SessionDefaults returns the trading section with exchange credentials
// filled in where the trading section leaves them blank.
func (c *Config) SessionDefaults() SessionConfig {
	s := c.Trading
	if s.APIKey == "" {
		s.APIKey = c.Exchange.APIKey
	}
	if s.APISecret == "" {
		s.APISecret = c.Exchange.SecretKey
	}
	s.ApplyDefaults()
	return s
}

// String returns the configuration as YAML with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the configuration used for omitted fields
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "scalper",
		},
		Exchange: ExchangeConfig{
			Name:             "mexc",
			BaseURL:          "https://api.mexc.com",
			WSURL:            "wss://wbs-api.mexc.com/ws",
			RecvWindowMs:     5000,
			RequestTimeoutMs: 10000,
			RateLimit:        10,
			RateBurst:        20,
			EventBuffer:      1024,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Server: ServerConfig{
			Listen: ":3000",
		},
		Timing: TimingConfig{
			StreamReconnectAttempts: 10,
			StreamPingInterval:      30,
			ListenKeyKeepalive:      1800,
			TPRetryInitialMs:        500,
			TPRetryMaxMs:            10000,
			TPIdlePollMs:            1000,
			TestOrderCheckMs:        2000,
			ShutdownTimeout:         30,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "scalper",
		},
	}
}
