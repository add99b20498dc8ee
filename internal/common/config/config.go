// Package config provides configuration management for dockhand.
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

// Config holds all configuration sections for dockhand.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Data     DataConfig     `mapstructure:"data"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Updates  UpdatesConfig  `mapstructure:"updates"`
	Compose  ComposeConfig  `mapstructure:"compose"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. The default backend is an
// embedded SQLite file under the data directory. When Host is set, the
// high-volume activity tables (container events, host metrics) are stored
// in PostgreSQL instead.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite file; empty means <dataDir>/dockhand.db
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL means the
// in-memory event broker is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DataConfig holds filesystem layout configuration.
type DataConfig struct {
	Dir         string `mapstructure:"dir"`         // root for persisted state
	GitReposDir string `mapstructure:"gitReposDir"` // override git clone root
}

// CleanupConfig holds retention and system-cleanup job configuration.
type CleanupConfig struct {
	ScheduleRetentionDays int    `mapstructure:"scheduleRetentionDays"`
	EventRetentionDays    int    `mapstructure:"eventRetentionDays"`
	ScheduleCleanupCron   string `mapstructure:"scheduleCleanupCron"`
	EventCleanupCron      string `mapstructure:"eventCleanupCron"`
	ScheduleCleanupOn     bool   `mapstructure:"scheduleCleanupEnabled"`
	EventCleanupOn        bool   `mapstructure:"eventCleanupEnabled"`
	DefaultTimezone       string `mapstructure:"defaultTimezone"`
}

// UpdatesConfig holds auto-update and vulnerability-scan configuration.
type UpdatesConfig struct {
	DefaultGrypeArgs string `mapstructure:"defaultGrypeArgs"` // CLI template with {image} placeholder
	DefaultTrivyArgs string `mapstructure:"defaultTrivyArgs"`
	ScanRequireAll   bool   `mapstructure:"scanRequireAll"` // when scanner=both, require every scanner to succeed
}

// ComposeConfig holds compose subprocess discipline.
type ComposeConfig struct {
	Timeout   int `mapstructure:"timeout"`   // hard ceiling per invocation, seconds
	KillGrace int `mapstructure:"killGrace"` // SIGTERM to SIGKILL grace, seconds
}

// MetricsConfig holds metrics collection configuration.
type MetricsConfig struct {
	StatsInterval        int     `mapstructure:"statsInterval"`        // seconds
	DiskInterval         int     `mapstructure:"diskInterval"`         // seconds
	DiskWarningThreshold float64 `mapstructure:"diskWarningThreshold"` // percent used
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

// TimeoutDuration returns the compose invocation ceiling as a time.Duration.
func (c *ComposeConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// KillGraceDuration returns the SIGTERM-to-SIGKILL grace as a time.Duration.
func (c *ComposeConfig) KillGraceDuration() time.Duration {
	return time.Duration(c.KillGrace) * time.Second
}

// UsePostgresActivity reports whether activity data goes to PostgreSQL.
func (d *DatabaseConfig) UsePostgresActivity() bool {
	return d.Host != ""
}

// SQLitePath returns the SQLite file path, defaulting under the data dir.
func (c *Config) SQLitePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Data.Dir, "dockhand.db")
}

// StacksDir returns the root directory for materialized compose files.
func (c *Config) StacksDir() string {
	return filepath.Join(c.Data.Dir, "stacks")
}

// RunDir returns the directory for worker pidfiles.
func (c *Config) RunDir() string {
	return filepath.Join(c.Data.Dir, "run")
}

// GitReposDir returns the root directory for git clones.
func (c *Config) GitReposDir() string {
	if c.Data.GitReposDir != "" {
		return c.Data.GitReposDir
	}
	return filepath.Join(c.Data.Dir, "git-repos")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DOCKHAND_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - empty host means SQLite-only mode
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dockhand")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "dockhand")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event broker
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dockhand")
	v.SetDefault("nats.maxReconnects", 10)

	// Data layout defaults
	v.SetDefault("data.dir", "/var/lib/dockhand")
	v.SetDefault("data.gitReposDir", "")

	// Cleanup defaults
	v.SetDefault("cleanup.scheduleRetentionDays", 30)
	v.SetDefault("cleanup.eventRetentionDays", 14)
	v.SetDefault("cleanup.scheduleCleanupCron", "0 3 * * *")
	v.SetDefault("cleanup.eventCleanupCron", "30 3 * * *")
	v.SetDefault("cleanup.scheduleCleanupEnabled", true)
	v.SetDefault("cleanup.eventCleanupEnabled", true)
	v.SetDefault("cleanup.defaultTimezone", "UTC")

	// Update / scan defaults
	v.SetDefault("updates.defaultGrypeArgs", "{image} -o json")
	v.SetDefault("updates.defaultTrivyArgs", "image --format json {image}")
	v.SetDefault("updates.scanRequireAll", false)

	// Compose defaults
	v.SetDefault("compose.timeout", 300)
	v.SetDefault("compose.killGrace", 5)

	// Metrics defaults
	v.SetDefault("metrics.statsInterval", 10)
	v.SetDefault("metrics.diskInterval", 300)
	v.SetDefault("metrics.diskWarningThreshold", 80)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DOCKHAND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/dockhand/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DOCKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names predate the config layout.
	_ = v.BindEnv("data.dir", "DATA_DIR", "DOCKHAND_DATA_DIR")
	_ = v.BindEnv("data.gitReposDir", "GIT_REPOS_DIR", "DOCKHAND_DATA_GIT_REPOS_DIR")
	_ = v.BindEnv("cleanup.scheduleRetentionDays", "DOCKHAND_CLEANUP_SCHEDULE_RETENTION_DAYS")
	_ = v.BindEnv("cleanup.eventRetentionDays", "DOCKHAND_CLEANUP_EVENT_RETENTION_DAYS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dockhand/")

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

	// Database validation - only if host is set (optional PostgreSQL mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Cleanup.ScheduleRetentionDays <= 0 {
		errs = append(errs, "cleanup.scheduleRetentionDays must be positive")
	}
	if cfg.Cleanup.EventRetentionDays <= 0 {
		errs = append(errs, "cleanup.eventRetentionDays must be positive")
	}

	if cfg.Compose.Timeout <= 0 {
		errs = append(errs, "compose.timeout must be positive")
	}
	if cfg.Compose.KillGrace <= 0 {
		errs = append(errs, "compose.killGrace must be positive")
	}

	if cfg.Metrics.DiskWarningThreshold <= 0 || cfg.Metrics.DiskWarningThreshold > 100 {
		errs = append(errs, "metrics.diskWarningThreshold must be between 1 and 100")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
