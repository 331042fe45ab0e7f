// Package config provides configuration management for runfleet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for runfleet.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Blueprint BlueprintConfig `mapstructure:"blueprint"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the coordinator.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	PollTimeout  int    `mapstructure:"pollTimeout"`  // long-poll timeout in seconds
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means lifecycle events stay on the in-memory bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Disabled     bool   `mapstructure:"disabled"`
	AdminAPIKey  string `mapstructure:"adminApiKey"`
	OIDCIssuer   string `mapstructure:"oidcIssuer"`
	OIDCAudience string `mapstructure:"oidcAudience"`
}

// QueueConfig holds run queue timing knobs.
type QueueConfig struct {
	SweepInterval int `mapstructure:"sweepInterval"` // seconds between sweeper passes
	ClaimTimeout  int `mapstructure:"claimTimeout"`  // seconds a claimed run may sit before timing out
	RunTimeout    int `mapstructure:"runTimeout"`    // seconds a running run may execute before timing out
}

// RegistryConfig holds runner registry configuration.
type RegistryConfig struct {
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"` // seconds without a heartbeat before a runner is considered dead
}

// BlueprintConfig holds agent blueprint registry configuration.
type BlueprintConfig struct {
	Dir string `mapstructure:"dir"` // directory of blueprint YAML files
}

// RunnerConfig holds runner-side configuration.
type RunnerConfig struct {
	CoordinatorURL       string   `mapstructure:"coordinatorUrl"`
	APIKey               string   `mapstructure:"apiKey"` // bearer token presented to the coordinator
	ExecutorCommand      string   `mapstructure:"executorCommand"`
	ExecutorType         string   `mapstructure:"executorType"`
	ProjectDir           string   `mapstructure:"projectDir"`
	Tags                 []string `mapstructure:"tags"`
	HeartbeatInterval    int      `mapstructure:"heartbeatInterval"`    // seconds
	CheckInterval        int      `mapstructure:"checkInterval"`        // supervisor poll interval in seconds
	MaxConnectionRetries int      `mapstructure:"maxConnectionRetries"` // consecutive failures before self-deregistering
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollTimeoutDuration returns the long-poll timeout as a time.Duration.
func (s *ServerConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(s.PollTimeout) * time.Second
}

// SweepIntervalDuration returns the sweeper period as a time.Duration.
func (q *QueueConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(q.SweepInterval) * time.Second
}

// ClaimTimeoutDuration returns the claim timeout as a time.Duration.
func (q *QueueConfig) ClaimTimeoutDuration() time.Duration {
	return time.Duration(q.ClaimTimeout) * time.Second
}

// RunTimeoutDuration returns the run timeout as a time.Duration.
func (q *QueueConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(q.RunTimeout) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a time.Duration.
func (r *RegistryConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(r.HeartbeatTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (r *RunnerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// CheckIntervalDuration returns the supervisor check interval as a time.Duration.
func (r *RunnerConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(r.CheckInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RUNFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)
	v.SetDefault("server.pollTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "./runfleet.db")

	// NATS defaults - empty URL means in-memory event bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runfleet-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.adminApiKey", "")
	v.SetDefault("auth.oidcIssuer", "")
	v.SetDefault("auth.oidcAudience", "")

	// Queue defaults
	v.SetDefault("queue.sweepInterval", 10)
	v.SetDefault("queue.claimTimeout", 60)
	v.SetDefault("queue.runTimeout", 600)

	// Registry defaults
	v.SetDefault("registry.heartbeatTimeout", 120)

	// Blueprint defaults
	v.SetDefault("blueprint.dir", "./blueprints")

	// Runner defaults
	v.SetDefault("runner.coordinatorUrl", "http://localhost:8080")
	v.SetDefault("runner.apiKey", "")
	v.SetDefault("runner.executorCommand", "")
	v.SetDefault("runner.executorType", "claude-code")
	v.SetDefault("runner.projectDir", "")
	v.SetDefault("runner.tags", []string{})
	v.SetDefault("runner.heartbeatInterval", 60)
	v.SetDefault("runner.checkInterval", 1)
	v.SetDefault("runner.maxConnectionRetries", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNFLEET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runfleet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env var names operators already know.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.port", "COORDINATOR_PORT", "RUNFLEET_SERVER_PORT")
	_ = v.BindEnv("server.pollTimeout", "POLL_TIMEOUT", "RUNFLEET_SERVER_POLL_TIMEOUT")
	_ = v.BindEnv("database.path", "RUNFLEET_DB_PATH", "RUNFLEET_DATABASE_PATH")
	_ = v.BindEnv("auth.adminApiKey", "ADMIN_API_KEY", "RUNFLEET_AUTH_ADMIN_API_KEY")
	_ = v.BindEnv("auth.disabled", "AUTH_DISABLED", "RUNFLEET_AUTH_DISABLED")
	_ = v.BindEnv("auth.oidcIssuer", "OIDC_ISSUER", "RUNFLEET_AUTH_OIDC_ISSUER")
	_ = v.BindEnv("auth.oidcAudience", "OIDC_AUDIENCE", "RUNFLEET_AUTH_OIDC_AUDIENCE")
	_ = v.BindEnv("queue.sweepInterval", "SWEEP_INTERVAL", "RUNFLEET_QUEUE_SWEEP_INTERVAL")
	_ = v.BindEnv("queue.claimTimeout", "CLAIM_TIMEOUT", "RUNFLEET_QUEUE_CLAIM_TIMEOUT")
	_ = v.BindEnv("queue.runTimeout", "RUN_TIMEOUT", "RUNFLEET_QUEUE_RUN_TIMEOUT")
	_ = v.BindEnv("registry.heartbeatTimeout", "HEARTBEAT_TIMEOUT", "RUNFLEET_REGISTRY_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("blueprint.dir", "RUNFLEET_BLUEPRINT_DIR")
	_ = v.BindEnv("runner.coordinatorUrl", "RUNFLEET_COORDINATOR_URL")
	_ = v.BindEnv("runner.apiKey", "RUNFLEET_RUNNER_API_KEY")
	_ = v.BindEnv("runner.executorCommand", "RUNFLEET_EXECUTOR_COMMAND")
	_ = v.BindEnv("runner.executorType", "RUNFLEET_EXECUTOR_TYPE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runfleet/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.PollTimeout <= 0 {
		errs = append(errs, "server.pollTimeout must be positive")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Auth validation - either disabled, or at least one credential source
	if !cfg.Auth.Disabled && cfg.Auth.AdminAPIKey == "" && cfg.Auth.OIDCIssuer == "" {
		errs = append(errs, "auth requires adminApiKey or oidcIssuer unless auth.disabled is set")
	}

	if cfg.Queue.SweepInterval <= 0 {
		errs = append(errs, "queue.sweepInterval must be positive")
	}
	if cfg.Queue.ClaimTimeout <= 0 {
		errs = append(errs, "queue.claimTimeout must be positive")
	}
	if cfg.Queue.RunTimeout <= 0 {
		errs = append(errs, "queue.runTimeout must be positive")
	}
	if cfg.Registry.HeartbeatTimeout <= 0 {
		errs = append(errs, "registry.heartbeatTimeout must be positive")
	}

	if cfg.Runner.MaxConnectionRetries <= 0 {
		errs = append(errs, "runner.maxConnectionRetries must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
