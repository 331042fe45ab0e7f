package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.PollTimeout)
	assert.Equal(t, "./runfleet.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Queue.SweepInterval)
	assert.Equal(t, 60, cfg.Queue.ClaimTimeout)
	assert.Equal(t, 600, cfg.Queue.RunTimeout)
	assert.Equal(t, 120, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Runner.MaxConnectionRetries)
	assert.Equal(t, "claude-code", cfg.Runner.ExecutorType)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoad_FlatEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("COORDINATOR_PORT", "9999")
	t.Setenv("HEARTBEAT_TIMEOUT", "33")
	t.Setenv("CLAIM_TIMEOUT", "45")
	t.Setenv("RUNFLEET_RUNNER_API_KEY", "sekret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 33, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 45, cfg.Queue.ClaimTimeout)
	assert.Equal(t, "sekret", cfg.Runner.APIKey)
}

func TestLoad_AuthRequiresCredentialSource(t *testing.T) {
	// Neither disabled nor any credential configured.
	t.Setenv("AUTH_DISABLED", "false")
	t.Setenv("ADMIN_API_KEY", "")
	t.Setenv("OIDC_ISSUER", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth requires")
}

func TestLoad_AdminKeySatisfiesAuth(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "false")
	t.Setenv("ADMIN_API_KEY", "k")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Auth.AdminAPIKey)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080, PollTimeout: 30},
			Database: DatabaseConfig{Path: "x.db"},
			Auth:     AuthConfig{Disabled: true},
			Queue:    QueueConfig{SweepInterval: 10, ClaimTimeout: 60, RunTimeout: 600},
			Registry: RegistryConfig{HeartbeatTimeout: 120},
			Runner:   RunnerConfig{MaxConnectionRetries: 3},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
		}
	}
	require.NoError(t, validate(base()))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad sweep", func(c *Config) { c.Queue.SweepInterval = 0 }, "sweepInterval"},
		{"bad heartbeat", func(c *Config) { c.Registry.HeartbeatTimeout = -1 }, "heartbeatTimeout"},
		{"bad retries", func(c *Config) { c.Runner.MaxConnectionRetries = 0 }, "maxConnectionRetries"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	q := QueueConfig{SweepInterval: 10, ClaimTimeout: 60, RunTimeout: 600}
	assert.Equal(t, 10*time.Second, q.SweepIntervalDuration())
	assert.Equal(t, time.Minute, q.ClaimTimeoutDuration())
	assert.Equal(t, 10*time.Minute, q.RunTimeoutDuration())

	r := RunnerConfig{HeartbeatInterval: 60, CheckInterval: 1}
	assert.Equal(t, time.Minute, r.HeartbeatIntervalDuration())
	assert.Equal(t, time.Second, r.CheckIntervalDuration())
}
