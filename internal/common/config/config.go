// Package config provides configuration management for fyp.
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

// Config holds all configuration sections for fyp.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Automation AutomationConfig `mapstructure:"automation"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // file path; empty means ~/.fyp/fyp.db
}

// NATSConfig holds optional NATS messaging configuration.
// When URL is empty the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	Token          string `mapstructure:"token"`          // bearer token protecting the API
	PairingEnabled bool   `mapstructure:"pairingEnabled"` // short-lived pairing code exchange
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkspaceConfig holds the allowed project roots. Session cwds, orchestration
// project paths and worktree paths must resolve under one of these roots.
type WorkspaceConfig struct {
	Roots []string `mapstructure:"roots"`
}

// WorktreeConfig holds Git worktree configuration for isolated workers.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`      // base directory for worktrees (default: ~/.fyp/worktrees)
	DefaultBranch string `mapstructure:"defaultBranch"` // default base branch (default: main)
}

// SyncConfig holds default sync-policy values applied to new orchestrations.
type SyncConfig struct {
	Mode             string `mapstructure:"mode"`             // off, manual, interval
	IntervalMs       int    `mapstructure:"intervalMs"`       // [15s, 30min]
	DeliverToOrch    bool   `mapstructure:"deliverToOrch"`    //
	MinDeliveryGapMs int    `mapstructure:"minDeliveryGapMs"` // [10s, 10min]
}

// AutomationConfig holds default automation-policy values for new orchestrations.
type AutomationConfig struct {
	QuestionMode      string `mapstructure:"questionMode"`      // off, orchestrator
	SteeringMode      string `mapstructure:"steeringMode"`      // off, passive_review, active_steering
	QuestionTimeoutMs int    `mapstructure:"questionTimeoutMs"` // [30s, 20min]
	ReviewIntervalMs  int    `mapstructure:"reviewIntervalMs"`  // [30s, 30min]
	YoloMode          bool   `mapstructure:"yoloMode"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port address for the HTTP server.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ResolvedPath returns the database path, defaulting to ~/.fyp/fyp.db.
func (d *DatabaseConfig) ResolvedPath() string {
	if d.Path != "" {
		return d.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "fyp.db"
	}
	return filepath.Join(home, ".fyp", "fyp.db")
}

// ResolvedBasePath returns the worktree base path, defaulting to ~/.fyp/worktrees.
func (w *WorktreeConfig) ResolvedBasePath() string {
	if w.BasePath != "" {
		return w.BasePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fyp-worktrees"
	}
	return filepath.Join(home, ".fyp", "worktrees")
}

// Load reads configuration from the optional config file and the environment.
// Environment variables use the FYP_ prefix with underscores, e.g. FYP_SERVER_PORT.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FYP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fyp"))
		}
		v.AddConfigPath(".")
		// Config file is optional when not explicitly requested.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("worktree.defaultBranch", "main")

	v.SetDefault("sync.mode", "manual")
	v.SetDefault("sync.intervalMs", 120_000)
	v.SetDefault("sync.deliverToOrch", true)
	v.SetDefault("sync.minDeliveryGapMs", 45_000)

	v.SetDefault("automation.questionMode", "off")
	v.SetDefault("automation.steeringMode", "off")
	v.SetDefault("automation.questionTimeoutMs", 180_000)
	v.SetDefault("automation.reviewIntervalMs", 300_000)
	v.SetDefault("automation.yoloMode", false)
}

// Validate checks configuration invariants. Violations are configuration
// errors (CLI exit code 64).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Sync.Mode {
	case "off", "manual", "interval":
	default:
		return fmt.Errorf("sync.mode must be off, manual or interval: %q", c.Sync.Mode)
	}
	switch c.Automation.QuestionMode {
	case "off", "orchestrator":
	default:
		return fmt.Errorf("automation.questionMode must be off or orchestrator: %q", c.Automation.QuestionMode)
	}
	switch c.Automation.SteeringMode {
	case "off", "passive_review", "active_steering":
	default:
		return fmt.Errorf("automation.steeringMode must be off, passive_review or active_steering: %q", c.Automation.SteeringMode)
	}
	for _, root := range c.Workspace.Roots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("workspace root must be absolute: %q", root)
		}
	}
	return nil
}

// errorsAs is a tiny wrapper so the viper import stays local to this package.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
