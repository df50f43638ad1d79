// Package config provides configuration management for the sentinel.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/spread_sentinel/internal/broker"
	"github.com/eddiefleurent/spread_sentinel/internal/logging"
	"github.com/eddiefleurent/spread_sentinel/internal/marketdata"
	"github.com/eddiefleurent/spread_sentinel/internal/orchestrator"
	"github.com/eddiefleurent/spread_sentinel/internal/retry"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
	"github.com/eddiefleurent/spread_sentinel/internal/streamer"
)

const (
	ModeSandbox = "sandbox"
	ModeLive    = "live"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Storage        StorageConfig        `yaml:"storage"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // sandbox | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // optional, rotated
	LogJSON  bool   `yaml:"log_json"`
}

// BrokerConfig defines broker API settings. APIURL and StreamerURL default
// to the endpoints of the selected mode.
type BrokerConfig struct {
	Login       string `yaml:"login"`
	Password    string `yaml:"password"`
	RememberMe  bool   `yaml:"remember_me"`
	AccountID   string `yaml:"account_id"`
	APIURL      string `yaml:"api_url"`
	StreamerURL string `yaml:"streamer_url"`
}

// ScheduleConfig defines loop and sweep intervals as Go durations.
type ScheduleConfig struct {
	RefreshInterval   string `yaml:"refresh_interval"`
	ExitCheckInterval string `yaml:"exit_check_interval"`
	SweepInterval     string `yaml:"sweep_interval"`
	StaleAfter        string `yaml:"stale_after"`
}

// StorageConfig defines where the session and order journal are kept.
type StorageConfig struct {
	Driver string `yaml:"driver"` // json | sqlite
	Path   string `yaml:"path"`
}

// DashboardConfig defines the health probe server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// CircuitBreakerConfig tunes the breaker around broker REST calls.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// RetryConfig tunes retries of idempotent broker REST calls.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and checks that all values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode == "" {
		c.Environment.Mode = ModeSandbox
	}
	if c.Environment.Mode != ModeSandbox && c.Environment.Mode != ModeLive {
		return fmt.Errorf("environment.mode must be 'sandbox' or 'live'")
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	switch c.Environment.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("environment.log_level %q is not a known level", c.Environment.LogLevel)
	}

	if c.Broker.Login == "" {
		return fmt.Errorf("broker.login is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.APIURL == "" {
		c.Broker.APIURL = broker.SandboxAPIURL
		if c.IsLive() {
			c.Broker.APIURL = broker.LiveAPIURL
		}
	}
	if c.Broker.StreamerURL == "" {
		c.Broker.StreamerURL = streamer.SandboxAccountURL
		if c.IsLive() {
			c.Broker.StreamerURL = streamer.LiveAccountURL
		}
	}
	if !strings.HasPrefix(c.Broker.APIURL, "https://") && !strings.HasPrefix(c.Broker.APIURL, "http://") {
		return fmt.Errorf("broker.api_url must be an http(s) URL")
	}
	if !strings.HasPrefix(c.Broker.StreamerURL, "wss://") && !strings.HasPrefix(c.Broker.StreamerURL, "ws://") {
		return fmt.Errorf("broker.streamer_url must be a ws(s) URL")
	}

	durations := []struct {
		name  string
		value string
	}{
		{"schedule.refresh_interval", c.Schedule.RefreshInterval},
		{"schedule.exit_check_interval", c.Schedule.ExitCheckInterval},
		{"schedule.sweep_interval", c.Schedule.SweepInterval},
		{"schedule.stale_after", c.Schedule.StaleAfter},
		{"circuit_breaker.interval", c.CircuitBreaker.Interval},
		{"circuit_breaker.timeout", c.CircuitBreaker.Timeout},
		{"retry.initial_backoff", c.Retry.InitialBackoff},
		{"retry.max_backoff", c.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverJSON
	}
	if c.Storage.Driver != storage.DriverJSON && c.Storage.Driver != storage.DriverSQLite {
		return fmt.Errorf("storage.driver must be '%s' or '%s'", storage.DriverJSON, storage.DriverSQLite)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	if c.CircuitBreaker.FailureRatio < 0 || c.CircuitBreaker.FailureRatio > 1 {
		return fmt.Errorf("circuit_breaker.failure_ratio must be in [0,1]")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}

	return nil
}

// IsLive returns true when the sentinel talks to the production endpoints.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == ModeLive
}

// duration parses s, falling back to def when empty or invalid.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig
	cfg.Level = c.Environment.LogLevel
	cfg.File = c.Environment.LogFile
	cfg.JSON = c.Environment.LogJSON
	return cfg
}

// Loop returns the orchestration loop configuration.
func (c *Config) Loop() orchestrator.Config {
	return orchestrator.Config{
		RefreshInterval:   duration(c.Schedule.RefreshInterval, orchestrator.DefaultConfig.RefreshInterval),
		ExitCheckInterval: duration(c.Schedule.ExitCheckInterval, orchestrator.DefaultConfig.ExitCheckInterval),
	}
}

// Store returns the snapshot store configuration.
func (c *Config) Store() marketdata.Config {
	return marketdata.Config{
		SweepInterval: duration(c.Schedule.SweepInterval, marketdata.DefaultConfig.SweepInterval),
		StaleAfter:    duration(c.Schedule.StaleAfter, marketdata.DefaultConfig.StaleAfter),
	}
}

// Breaker returns the circuit breaker settings; unset fields keep defaults.
func (c *Config) Breaker() broker.CircuitBreakerSettings {
	def := broker.DefaultCircuitBreakerSettings
	out := broker.CircuitBreakerSettings{
		MaxRequests:  c.CircuitBreaker.MaxRequests,
		Interval:     duration(c.CircuitBreaker.Interval, def.Interval),
		Timeout:      duration(c.CircuitBreaker.Timeout, def.Timeout),
		MinRequests:  c.CircuitBreaker.MinRequests,
		FailureRatio: c.CircuitBreaker.FailureRatio,
	}
	if out.MaxRequests == 0 {
		out.MaxRequests = def.MaxRequests
	}
	if out.MinRequests == 0 {
		out.MinRequests = def.MinRequests
	}
	if out.FailureRatio == 0 {
		out.FailureRatio = def.FailureRatio
	}
	return out
}

// RetryPolicy returns the REST retry configuration.
func (c *Config) RetryPolicy() retry.Config {
	def := retry.DefaultConfig
	out := retry.Config{
		MaxRetries:     c.Retry.MaxRetries,
		InitialBackoff: duration(c.Retry.InitialBackoff, def.InitialBackoff),
		MaxBackoff:     duration(c.Retry.MaxBackoff, def.MaxBackoff),
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = def.MaxRetries
	}
	return out
}
