// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Build     BuildConfig     `mapstructure:"build"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Bus       BusConfig       `mapstructure:"bus"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig controls how caller identity is resolved from the fronting proxy.
type AuthConfig struct {
	BootstrapAdminEmail string `mapstructure:"bootstrap_admin_email"`
	DefaultRole         string `mapstructure:"default_role"`
	// DevEmail is used when no proxy header is present. Leave empty in production.
	DevEmail string `mapstructure:"dev_email"`
}

// WorkspaceConfig holds the on-disk layout for checkouts and run logs.
type WorkspaceConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	GitPath string `mapstructure:"git_path"`
}

// BuildConfig describes the optional compile/test stage.
type BuildConfig struct {
	Dir            string   `mapstructure:"dir"`
	CompileCommand []string `mapstructure:"compile_command"`
	TestCommand    []string `mapstructure:"test_command"`
}

// DeployConfig holds defaults for the deploy target and the remote channel.
type DeployConfig struct {
	User         string        `mapstructure:"user"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Ports        string        `mapstructure:"ports"` // host:container
	SSHBinary    string        `mapstructure:"ssh_binary"`
	SSHOptions   []string      `mapstructure:"ssh_options"`
	ImageMode    string        `mapstructure:"image_mode"` // "api" or "cli"
	DockerHost   string        `mapstructure:"docker_host"`
	DockerCLI    string        `mapstructure:"docker_cli"`
	RemoteDocker string        `mapstructure:"remote_docker"`
	Health       HealthConfig  `mapstructure:"health"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

// HealthConfig holds health probe defaults.
type HealthConfig struct {
	Path        string        `mapstructure:"path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// BusConfig bounds the per-run event history.
type BusConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`

	// Retention is how long a finished run's events stay replayable from memory.
	Retention time.Duration `mapstructure:"retention"`
}

// ArchiveConfig configures archiving of finished run logs to an S3 compatible store.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/launchpad/")
		v.AddConfigPath("$HOME/.launchpad")
	}

	v.SetEnvPrefix("LAUNCHPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "launchpad.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/launchpad.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"orchestrator": "INFO",
				"runner":       "INFO",
				"remote":       "INFO",
				"database":     "WARN",
				"docker":       "INFO",
				"api":          "INFO",
				"bus":          "WARN",
				"health":       "INFO",
				"cli":          "WARN",
			},
			Context: LogContextConfig{
				IncludeCaller:     false,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			DefaultRole: "viewer",
		},
		Workspace: WorkspaceConfig{
			BaseDir: "~/.cicd/workspaces",
			GitPath: "git",
		},
		Build: BuildConfig{
			Dir:            "demo",
			CompileCommand: []string{"./mvnw", "-B", "clean", "compile"},
			TestCommand:    []string{"./mvnw", "-B", "test"},
		},
		Deploy: DeployConfig{
			User:      "deploy",
			Port:      22,
			Ports:     "8080:8080",
			SSHBinary: "ssh",
			SSHOptions: []string{
				"BatchMode=yes",
				"ServerAliveInterval=30",
				"ServerAliveCountMax=10",
				"Compression=yes",
				"TCPKeepAlive=yes",
				"StrictHostKeyChecking=accept-new",
			},
			ImageMode:    "api",
			DockerHost:   "unix:///var/run/docker.sock",
			DockerCLI:    "docker",
			RemoteDocker: "docker",
			Health: HealthConfig{
				Path:        "/",
				Timeout:     10 * time.Second,
				MaxAttempts: 30,
				Delay:       2 * time.Second,
			},
			RunTimeout: time.Hour,
		},
		Bus: BusConfig{
			HistoryLimit: 10000,
			Retention:    10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Bucket: "launchpad-run-logs",
			Region: "us-east-1",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "launchpad",
			Insecure:    true,
			SampleRatio: 1.0,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Workspace.BaseDir != "" {
		c.Workspace.BaseDir = expandPath(c.Workspace.BaseDir)
	}

	if c.Deploy.DockerHost != "" {
		c.Deploy.DockerHost = expandPath(c.Deploy.DockerHost)
	}

	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Workspace.BaseDir == "" {
		return errors.New("workspace.base_dir is required")
	}

	switch c.Auth.DefaultRole {
	case "admin", "dev", "viewer":
	default:
		return fmt.Errorf("auth.default_role must be admin, dev or viewer, got: %s", c.Auth.DefaultRole)
	}

	if c.Deploy.Port <= 0 || c.Deploy.Port > 65535 {
		return fmt.Errorf("invalid deploy ssh port: %d", c.Deploy.Port)
	}
	if c.Deploy.ImageMode != "api" && c.Deploy.ImageMode != "cli" {
		return fmt.Errorf("deploy.image_mode must be 'api' or 'cli', got: %s", c.Deploy.ImageMode)
	}
	if c.Deploy.Health.MaxAttempts < 1 {
		return errors.New("deploy.health.max_attempts must be at least 1")
	}
	if !strings.HasPrefix(c.Deploy.Health.Path, "/") {
		return fmt.Errorf("deploy.health.path must start with '/', got: %s", c.Deploy.Health.Path)
	}

	if c.Bus.HistoryLimit < 0 {
		return errors.New("bus.history_limit must not be negative")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// Validate checks the archive store settings.
func (a ArchiveConfig) Validate() error {
	if strings.TrimSpace(a.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(a.Endpoint, "://") {
		return errors.New("endpoint must not include scheme")
	}
	if strings.TrimSpace(a.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if a.AccessKey == "" || a.SecretKey == "" {
		return errors.New("access_key and secret_key are required")
	}
	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
