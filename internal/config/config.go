// Package config provides configuration management for the CSE. It loads
// configuration from a YAML file and environment variables using Viper,
// with defaults and per-section validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the CSE.
//
// Configuration can be loaded from:
//   - YAML file (config/config.yaml)
//   - Environment variables (prefixed with CSEWEAVE_)
//
// Example:
//
//	cfg, err := config.Load("config/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	CSE           CSEConfig           `mapstructure:"cse"`
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	TimeSeries    TimeSeriesConfig    `mapstructure:"timeseries"`
	Announcements AnnouncementsConfig `mapstructure:"announcements"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// CSEConfig identifies the hosting CSE and sets its core policies.
type CSEConfig struct {
	// ResourceID is the CSEBase resource identifier (default: "cseweave")
	ResourceID string `mapstructure:"resource_id"`

	// ResourceName is the CSEBase resource name, the first segment of
	// every structured path (default: "cse-in")
	ResourceName string `mapstructure:"resource_name"`

	// CSEID is the CSE-ID. A missing leading slash is added on load.
	CSEID string `mapstructure:"cse_id"`

	// ServiceProviderID is the M2M service provider identifier
	ServiceProviderID string `mapstructure:"service_provider_id"`

	// AdminOriginator bypasses access control (default: "CAdmin")
	AdminOriginator string `mapstructure:"admin_originator"`

	// ChecksEnabled turns the access-control engine on
	ChecksEnabled bool `mapstructure:"checks_enabled"`

	// SortDiscovery orders discovery results by type and lowercased
	// resource name
	SortDiscovery bool `mapstructure:"sort_discovery"`

	// ExpirationSweepInterval is the period of the resource expiration
	// worker
	ExpirationSweepInterval time.Duration `mapstructure:"expiration_sweep_interval"`

	// DefaultExpirationDelta is applied to resources created without an
	// expirationTime. Zero means the maximum delta applies.
	DefaultExpirationDelta time.Duration `mapstructure:"default_expiration_delta"`

	// MaxExpirationDelta caps any requested expirationTime
	MaxExpirationDelta time.Duration `mapstructure:"max_expiration_delta"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the network interface to bind to (e.g., "0.0.0.0", "localhost")
	Host string `mapstructure:"host"`

	// Port is the HTTP server port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`

	// GinMode sets the Gin framework mode ("debug", "release", "test")
	GinMode string `mapstructure:"gin_mode"`

	// TLS contains the TLS settings for the HTTP binding
	TLS TLSConfig `mapstructure:"tls"`
}

// TLSConfig contains TLS settings for the HTTP binding.
type TLSConfig struct {
	// Enabled enables TLS for the HTTP server
	Enabled bool `mapstructure:"enabled"`

	// CertFile is the path to the TLS certificate file
	CertFile string `mapstructure:"cert_file"`

	// KeyFile is the path to the TLS private key file
	KeyFile string `mapstructure:"key_file"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "redis"
	Backend string `mapstructure:"backend"`

	// ResetAtStartup truncates all tables before the CSE comes up
	ResetAtStartup bool `mapstructure:"reset_at_startup"`

	// CacheSize bounds the read cache of the Redis backend
	CacheSize int `mapstructure:"cache_size"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains the Redis document-store settings.
type RedisConfig struct {
	// Addr is the Redis server address (host:port) for standalone mode
	Addr string `mapstructure:"addr"`

	// Password for Redis authentication (optional)
	Password string `mapstructure:"password"`

	// DB is the Redis database number (0-15)
	DB int `mapstructure:"db"`

	// UseSentinel enables Redis Sentinel mode for high availability
	UseSentinel bool `mapstructure:"use_sentinel"`

	// SentinelAddrs is the list of Sentinel server addresses
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`

	// MasterName is the Redis master name in Sentinel mode
	MasterName string `mapstructure:"master_name"`

	// KeyPrefix namespaces every key so several CSEs can share one
	// Redis instance. Defaults to the CSE resource ID.
	KeyPrefix string `mapstructure:"key_prefix"`

	// PoolSize is the maximum number of socket connections
	PoolSize int `mapstructure:"pool_size"`

	// MaxRetries is the maximum number of retries for failed commands
	MaxRetries int `mapstructure:"max_retries"`

	// DialTimeout is the timeout for establishing new connections
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// ReadTimeout is the timeout for socket reads
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the timeout for socket writes
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NotificationsConfig tunes the notification sender and the
// subscription lifecycle.
type NotificationsConfig struct {
	// RequestTimeout bounds every outbound notification request
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRetries is the delivery attempt limit for batched sends
	MaxRetries int `mapstructure:"max_retries"`

	// VerificationEnabled turns the subscription verification handshake on
	VerificationEnabled bool `mapstructure:"verification_enabled"`

	// DefaultExpirationCounter is assigned to subscriptions created
	// without an expiration counter. Zero leaves the counter off.
	DefaultExpirationCounter int64 `mapstructure:"default_expiration_counter"`
}

// TimeSeriesConfig tunes missing-data detection.
type TimeSeriesConfig struct {
	// DefaultMissingDataSlackFactor widens the expected-arrival deadline
	// by this fraction of the periodic interval when a time series
	// declares no missing-data detect time of its own
	DefaultMissingDataSlackFactor float64 `mapstructure:"default_missing_data_slack_factor"`
}

// AnnouncementsConfig tunes the announcement manager.
type AnnouncementsConfig struct {
	// SweepInterval is the period of the retry sweep
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// RetryAttempts bounds the per-request retries towards a peer CSE
	RetryAttempts int `mapstructure:"retry_attempts"`

	// RequestTimeout bounds every outbound announcement request
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ObservabilityConfig contains logging and metrics configuration.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig contains structured logging configuration.
type LoggingConfig struct {
	// Level sets the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level"`

	// Format sets the log format ("json", "console")
	Format string `mapstructure:"format"`

	// Development enables development mode (console format, stacktraces)
	Development bool `mapstructure:"development"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled enables the /metrics endpoint
	Enabled bool `mapstructure:"enabled"`

	// Path is the HTTP path for the metrics endpoint
	Path string `mapstructure:"path"`
}

// Load loads configuration from the specified file path and environment
// variables. Environment variables override file values and are prefixed
// with CSEWEAVE_ (e.g., CSEWEAVE_SERVER_PORT=8080).
//
// Returns an error if the configuration file cannot be read or parsed.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cseweave")
	}

	v.SetEnvPrefix("CSEWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional if all values come from env vars.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize fixes up values that admit more than one spelling.
func (c *Config) normalize() {
	if c.CSE.CSEID != "" && !strings.HasPrefix(c.CSE.CSEID, "/") {
		c.CSE.CSEID = "/" + c.CSE.CSEID
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = c.CSE.ResourceID
	}
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// CSE defaults
	v.SetDefault("cse.resource_id", "cseweave")
	v.SetDefault("cse.resource_name", "cse-in")
	v.SetDefault("cse.cse_id", "/id-in")
	v.SetDefault("cse.service_provider_id", "cseweave.example")
	v.SetDefault("cse.admin_originator", "CAdmin")
	v.SetDefault("cse.checks_enabled", true)
	v.SetDefault("cse.sort_discovery", true)
	v.SetDefault("cse.expiration_sweep_interval", "60s")
	v.SetDefault("cse.default_expiration_delta", "0s")
	v.SetDefault("cse.max_expiration_delta", "8760h") // one year

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_header_bytes", 1048576) // 1MB
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.tls.enabled", false)

	// Storage defaults
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.reset_at_startup", false)
	v.SetDefault("storage.cache_size", 1024)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.use_sentinel", false)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.max_retries", 3)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Notification defaults
	v.SetDefault("notifications.request_timeout", "10s")
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("notifications.verification_enabled", true)
	v.SetDefault("notifications.default_expiration_counter", 0)

	// Time-series defaults
	v.SetDefault("timeseries.default_missing_data_slack_factor", 0.5)

	// Announcement defaults
	v.SetDefault("announcements.sweep_interval", "60s")
	v.SetDefault("announcements.retry_attempts", 3)
	v.SetDefault("announcements.request_timeout", "10s")

	// Logging defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.development", false)

	// Metrics defaults
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
}

// Validate validates the configuration and returns an error if any values
// are invalid. Call it after Load.
func (c *Config) Validate() error {
	if err := c.validateCSE(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateObservability()
}

func (c *Config) validateCSE() error {
	if c.CSE.ResourceID == "" {
		return fmt.Errorf("cse resource_id cannot be empty")
	}
	if c.CSE.ResourceName == "" {
		return fmt.Errorf("cse resource_name cannot be empty")
	}
	if strings.Contains(c.CSE.ResourceName, "/") {
		return fmt.Errorf("cse resource_name must not contain slashes: %s", c.CSE.ResourceName)
	}
	if !strings.HasPrefix(c.CSE.CSEID, "/") {
		return fmt.Errorf("cse cse_id must start with a slash: %s", c.CSE.CSEID)
	}
	if c.CSE.AdminOriginator == "" {
		return fmt.Errorf("cse admin_originator cannot be empty")
	}
	if c.CSE.ExpirationSweepInterval < time.Second {
		return fmt.Errorf("invalid expiration_sweep_interval: %s (must be >= 1s)", c.CSE.ExpirationSweepInterval)
	}
	if c.CSE.MaxExpirationDelta <= 0 {
		return fmt.Errorf("max_expiration_delta must be positive")
	}
	if c.CSE.DefaultExpirationDelta > c.CSE.MaxExpirationDelta {
		return fmt.Errorf("default_expiration_delta %s exceeds max_expiration_delta %s",
			c.CSE.DefaultExpirationDelta, c.CSE.MaxExpirationDelta)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.GinMode != "debug" && c.Server.GinMode != "release" && c.Server.GinMode != "test" {
		return fmt.Errorf("invalid gin_mode: %s (must be debug, release, or test)", c.Server.GinMode)
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Backend != "memory" && c.Storage.Backend != "redis" {
		return fmt.Errorf("invalid storage backend: %s (must be memory or redis)", c.Storage.Backend)
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("invalid storage cache_size: %d", c.Storage.CacheSize)
	}
	if c.Storage.Backend != "redis" {
		return nil
	}
	if c.Storage.Redis.UseSentinel {
		if len(c.Storage.Redis.SentinelAddrs) == 0 {
			return fmt.Errorf("redis sentinel_addrs cannot be empty in sentinel mode")
		}
		if c.Storage.Redis.MasterName == "" {
			return fmt.Errorf("redis master_name is required in sentinel mode")
		}
	} else if c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty")
	}
	if c.Storage.Redis.DB < 0 || c.Storage.Redis.DB > 15 {
		return fmt.Errorf("invalid redis db: %d (must be 0-15)", c.Storage.Redis.DB)
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout < time.Second {
		return fmt.Errorf("invalid notifications request_timeout: %s (must be >= 1s)", c.Notifications.RequestTimeout)
	}
	if c.Notifications.MaxRetries < 1 {
		return fmt.Errorf("invalid notifications max_retries: %d (must be > 0)", c.Notifications.MaxRetries)
	}
	if c.Notifications.DefaultExpirationCounter < 0 {
		return fmt.Errorf("invalid default_expiration_counter: %d", c.Notifications.DefaultExpirationCounter)
	}
	if f := c.TimeSeries.DefaultMissingDataSlackFactor; f < 0 || f > 1 {
		return fmt.Errorf("invalid default_missing_data_slack_factor: %g (must be 0.0-1.0)", f)
	}
	if c.Announcements.SweepInterval < time.Second {
		return fmt.Errorf("invalid announcements sweep_interval: %s (must be >= 1s)", c.Announcements.SweepInterval)
	}
	if c.Announcements.RetryAttempts < 1 {
		return fmt.Errorf("invalid announcements retry_attempts: %d (must be > 0)", c.Announcements.RetryAttempts)
	}
	return nil
}

func (c *Config) validateObservability() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Observability.Logging.Level)
	}
	if c.Observability.Logging.Format != "json" && c.Observability.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s (must be json or console)", c.Observability.Logging.Format)
	}
	if c.Observability.Metrics.Enabled && c.Observability.Metrics.Path == "" {
		return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
	}
	return nil
}
