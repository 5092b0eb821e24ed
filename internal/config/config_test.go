package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/cseweave/internal/config"
)

// TestLoad tests the Load function with various scenarios.
func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		configYAML string
		envVars    map[string]string
		wantErr    bool
		validate   func(*testing.T, *config.Config)
	}{
		{
			name: "valid minimal config",
			configYAML: `
server:
  port: 8080
`,
			wantErr: false,
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, "cse-in", cfg.CSE.ResourceName)
				assert.Equal(t, "/id-in", cfg.CSE.CSEID)
				assert.Equal(t, "CAdmin", cfg.CSE.AdminOriginator)
				assert.Equal(t, "memory", cfg.Storage.Backend)
				assert.True(t, cfg.CSE.ChecksEnabled)
				assert.True(t, cfg.Notifications.VerificationEnabled)
				assert.InDelta(t, 0.5, cfg.TimeSeries.DefaultMissingDataSlackFactor, 0.001)
			},
		},
		{
			name: "complete config with all options",
			configYAML: `
cse:
  resource_id: cse1
  resource_name: in-cse
  cse_id: /id-mn
  service_provider_id: acme.example
  admin_originator: CAdministrator
  checks_enabled: false
  sort_discovery: false
  expiration_sweep_interval: 30s
  default_expiration_delta: 24h
  max_expiration_delta: 720h
server:
  host: 127.0.0.1
  port: 9090
  read_timeout: 60s
  write_timeout: 60s
  gin_mode: debug
storage:
  backend: redis
  reset_at_startup: true
  cache_size: 256
  redis:
    addr: redis.local:6379
    password: secret
    db: 1
    pool_size: 20
notifications:
  request_timeout: 5s
  max_retries: 5
  verification_enabled: false
  default_expiration_counter: 100
timeseries:
  default_missing_data_slack_factor: 0.25
announcements:
  sweep_interval: 120s
  retry_attempts: 2
observability:
  logging:
    level: debug
    format: console
  metrics:
    enabled: true
    path: /prometheus
`,
			wantErr: false,
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "cse1", cfg.CSE.ResourceID)
				assert.Equal(t, "in-cse", cfg.CSE.ResourceName)
				assert.Equal(t, "/id-mn", cfg.CSE.CSEID)
				assert.Equal(t, "CAdministrator", cfg.CSE.AdminOriginator)
				assert.False(t, cfg.CSE.ChecksEnabled)
				assert.False(t, cfg.CSE.SortDiscovery)
				assert.Equal(t, 30*time.Second, cfg.CSE.ExpirationSweepInterval)
				assert.Equal(t, 24*time.Hour, cfg.CSE.DefaultExpirationDelta)

				assert.Equal(t, "127.0.0.1", cfg.Server.Host)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "debug", cfg.Server.GinMode)

				assert.Equal(t, "redis", cfg.Storage.Backend)
				assert.True(t, cfg.Storage.ResetAtStartup)
				assert.Equal(t, 256, cfg.Storage.CacheSize)
				assert.Equal(t, "redis.local:6379", cfg.Storage.Redis.Addr)
				assert.Equal(t, "secret", cfg.Storage.Redis.Password)
				assert.Equal(t, 1, cfg.Storage.Redis.DB)
				assert.Equal(t, 20, cfg.Storage.Redis.PoolSize)
				// KeyPrefix defaults to the CSE resource ID.
				assert.Equal(t, "cse1", cfg.Storage.Redis.KeyPrefix)

				assert.Equal(t, 5*time.Second, cfg.Notifications.RequestTimeout)
				assert.Equal(t, 5, cfg.Notifications.MaxRetries)
				assert.False(t, cfg.Notifications.VerificationEnabled)
				assert.Equal(t, int64(100), cfg.Notifications.DefaultExpirationCounter)

				assert.InDelta(t, 0.25, cfg.TimeSeries.DefaultMissingDataSlackFactor, 0.001)
				assert.Equal(t, 120*time.Second, cfg.Announcements.SweepInterval)
				assert.Equal(t, 2, cfg.Announcements.RetryAttempts)

				assert.Equal(t, "debug", cfg.Observability.Logging.Level)
				assert.Equal(t, "console", cfg.Observability.Logging.Format)
				assert.True(t, cfg.Observability.Metrics.Enabled)
				assert.Equal(t, "/prometheus", cfg.Observability.Metrics.Path)
			},
		},
		{
			name: "environment variable override",
			configYAML: `
server:
  port: 8080
`,
			envVars: map[string]string{
				"CSEWEAVE_SERVER_PORT":     "9999",
				"CSEWEAVE_STORAGE_BACKEND": "redis",
			},
			wantErr: false,
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, 9999, cfg.Server.Port)
				assert.Equal(t, "redis", cfg.Storage.Backend)
			},
		},
		{
			name: "cse_id gains a leading slash",
			configYAML: `
cse:
  cse_id: id-mn
`,
			wantErr: false,
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "/id-mn", cfg.CSE.CSEID)
			},
		},
		{
			name:       "invalid YAML",
			configYAML: "server:\n  port: [invalid",
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.configYAML), 0o600))

			cfg, err := config.Load(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

// TestLoadMissingFile verifies that a missing config file is tolerated and
// defaults apply.
func TestLoadMissingFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "cseweave", cfg.CSE.ResourceID)
	require.NoError(t, cfg.Validate())
}

// TestValidate tests the Validate function with invalid configurations.
func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*config.Config) {},
		},
		{
			name:    "empty resource name",
			mutate:  func(c *config.Config) { c.CSE.ResourceName = "" },
			wantErr: "resource_name",
		},
		{
			name:    "resource name with slash",
			mutate:  func(c *config.Config) { c.CSE.ResourceName = "a/b" },
			wantErr: "resource_name",
		},
		{
			name:    "cse_id without slash",
			mutate:  func(c *config.Config) { c.CSE.CSEID = "id-in" },
			wantErr: "cse_id",
		},
		{
			name:    "empty admin originator",
			mutate:  func(c *config.Config) { c.CSE.AdminOriginator = "" },
			wantErr: "admin_originator",
		},
		{
			name: "default expiration exceeds maximum",
			mutate: func(c *config.Config) {
				c.CSE.DefaultExpirationDelta = 48 * time.Hour
				c.CSE.MaxExpirationDelta = 24 * time.Hour
			},
			wantErr: "default_expiration_delta",
		},
		{
			name:    "invalid port",
			mutate:  func(c *config.Config) { c.Server.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "invalid gin mode",
			mutate:  func(c *config.Config) { c.Server.GinMode = "production" },
			wantErr: "gin_mode",
		},
		{
			name: "tls without cert",
			mutate: func(c *config.Config) {
				c.Server.TLS.Enabled = true
				c.Server.TLS.KeyFile = "key.pem"
			},
			wantErr: "cert_file",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *config.Config) { c.Storage.Backend = "postgres" },
			wantErr: "storage backend",
		},
		{
			name: "redis without addr",
			mutate: func(c *config.Config) {
				c.Storage.Backend = "redis"
				c.Storage.Redis.Addr = ""
			},
			wantErr: "addr",
		},
		{
			name: "sentinel without master name",
			mutate: func(c *config.Config) {
				c.Storage.Backend = "redis"
				c.Storage.Redis.UseSentinel = true
				c.Storage.Redis.SentinelAddrs = []string{"s1:26379"}
			},
			wantErr: "master_name",
		},
		{
			name: "redis db out of range",
			mutate: func(c *config.Config) {
				c.Storage.Backend = "redis"
				c.Storage.Redis.DB = 42
			},
			wantErr: "redis db",
		},
		{
			name:    "notification timeout too small",
			mutate:  func(c *config.Config) { c.Notifications.RequestTimeout = 10 * time.Millisecond },
			wantErr: "request_timeout",
		},
		{
			name:    "slack factor out of range",
			mutate:  func(c *config.Config) { c.TimeSeries.DefaultMissingDataSlackFactor = 1.5 },
			wantErr: "slack_factor",
		},
		{
			name:    "invalid logging level",
			mutate:  func(c *config.Config) { c.Observability.Logging.Level = "verbose" },
			wantErr: "logging level",
		},
		{
			name:    "invalid logging format",
			mutate:  func(c *config.Config) { c.Observability.Logging.Format = "xml" },
			wantErr: "logging format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
