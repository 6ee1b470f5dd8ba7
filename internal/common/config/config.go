// Package config provides configuration management for agentd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Generation GenerationConfig `mapstructure:"generation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite session store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite file path, ":memory:" for ephemeral
}

// RedisConfig holds the shared lock store configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GenerationConfig holds the generation orchestration tunables.
type GenerationConfig struct {
	// LockTTL is the safety-net expiry on the per-session lock, in seconds.
	// Normal operation always releases explicitly; this only guards orphans.
	LockTTL int `mapstructure:"lockTtl"`

	// DiscoveryTimeout bounds the wait for the CLI agent's log file, in seconds.
	DiscoveryTimeout int `mapstructure:"discoveryTimeout"`

	// KillGrace is how long to wait after SIGTERM before SIGKILL, in seconds.
	KillGrace int `mapstructure:"killGrace"`

	// JobRetention is how long terminal background jobs are kept, in seconds.
	JobRetention int `mapstructure:"jobRetention"`

	// AgentLogsRoot is the directory tree scanned for CLI agent log files.
	AgentLogsRoot string `mapstructure:"agentLogsRoot"`

	// CLIBinary is the coding-agent CLI executable for the cli backend.
	CLIBinary string `mapstructure:"cliBinary"`

	// CatalogPath optionally points at an agents.yaml CLI backend catalog.
	CatalogPath string `mapstructure:"catalogPath"`

	// DefaultModel is used when a session does not specify one.
	DefaultModel string `mapstructure:"defaultModel"`
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

// LockTTLDuration returns the lock TTL as a time.Duration.
func (g *GenerationConfig) LockTTLDuration() time.Duration {
	return time.Duration(g.LockTTL) * time.Second
}

// DiscoveryTimeoutDuration returns the discovery timeout as a time.Duration.
func (g *GenerationConfig) DiscoveryTimeoutDuration() time.Duration {
	return time.Duration(g.DiscoveryTimeout) * time.Second
}

// KillGraceDuration returns the kill grace period as a time.Duration.
func (g *GenerationConfig) KillGraceDuration() time.Duration {
	return time.Duration(g.KillGrace) * time.Second
}

// JobRetentionDuration returns the job retention as a time.Duration.
func (g *GenerationConfig) JobRetentionDuration() time.Duration {
	return time.Duration(g.JobRetention) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Session store defaults
	v.SetDefault("database.path", defaultDatabasePath())

	// Lock store defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentd")
	v.SetDefault("nats.maxReconnects", 10)

	// Generation defaults. The 60s discovery timeout and 1h lock TTL are
	// inherited tunables, not load-bearing values.
	v.SetDefault("generation.lockTtl", 3600)
	v.SetDefault("generation.discoveryTimeout", 60)
	v.SetDefault("generation.killGrace", 3)
	v.SetDefault("generation.jobRetention", 86400)
	v.SetDefault("generation.agentLogsRoot", defaultAgentLogsRoot())
	v.SetDefault("generation.cliBinary", "claude")
	v.SetDefault("generation.catalogPath", "")
	v.SetDefault("generation.defaultModel", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentd.db"
	}
	return filepath.Join(home, ".agentd", "agentd.db")
}

func defaultAgentLogsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where camelCase config keys do not line up with
	// AutomaticEnv's snake_case conversion.
	_ = v.BindEnv("generation.lockTtl", "AGENTD_GENERATION_LOCK_TTL")
	_ = v.BindEnv("generation.discoveryTimeout", "AGENTD_GENERATION_DISCOVERY_TIMEOUT")
	_ = v.BindEnv("generation.killGrace", "AGENTD_GENERATION_KILL_GRACE")
	_ = v.BindEnv("generation.jobRetention", "AGENTD_GENERATION_JOB_RETENTION")
	_ = v.BindEnv("generation.agentLogsRoot", "AGENTD_GENERATION_AGENT_LOGS_ROOT")
	_ = v.BindEnv("generation.cliBinary", "AGENTD_GENERATION_CLI_BINARY")
	_ = v.BindEnv("generation.catalogPath", "AGENTD_GENERATION_CATALOG_PATH")
	_ = v.BindEnv("generation.defaultModel", "AGENTD_GENERATION_DEFAULT_MODEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Generation.LockTTL <= 0 {
		errs = append(errs, "generation.lockTtl must be positive")
	}
	if cfg.Generation.DiscoveryTimeout <= 0 {
		errs = append(errs, "generation.discoveryTimeout must be positive")
	}
	if cfg.Generation.KillGrace <= 0 {
		errs = append(errs, "generation.killGrace must be positive")
	}
	if cfg.Generation.CLIBinary == "" {
		errs = append(errs, "generation.cliBinary is required")
	}

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
