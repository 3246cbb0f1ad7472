// Package config provides configuration management for hlsvault using
// Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 10
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultMaxConcurrentSegs  = 3
	defaultMaxConcurrentDls   = 2
	defaultMaxRetries         = 8
	defaultSegmentTimeout     = 60 * time.Second
	defaultSweepCron          = "@hourly"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Download  DownloadConfig  `mapstructure:"download"`
	Retention RetentionConfig `mapstructure:"retention"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds connection configuration for the optional
// read-model index described in SPEC_FULL.md §4.E.1. The JSON files
// under download.downloads_dir remain the source of truth regardless of
// this configuration; the index can be dropped and rebuilt at any time.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DownloadConfig holds the download engine's tunables.
type DownloadConfig struct {
	// DownloadsDir is the root directory holding one subdirectory per
	// session, as described in the data model.
	DownloadsDir string `mapstructure:"downloads_dir"`
	// MaxConcurrentSegments is the per-download fetch fan-out.
	MaxConcurrentSegments int `mapstructure:"max_concurrent_segments"`
	// MaxConcurrentDownloads is the global active-worker cap.
	MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads"`
	// MaxRetries is the retry count of the HTTP client used for playlist
	// fetches. The segment fetcher does not read it; it makes a fixed 8
	// attempts per segment.
	MaxRetries int `mapstructure:"max_retries"`
	// SegmentTimeout bounds a single segment fetch attempt. Accepts
	// Go duration syntax plus the 'd'/'w' extensions (see Duration).
	SegmentTimeout Duration `mapstructure:"segment_timeout"`
	// DefaultRetentionDays is the fallback retention applied to a
	// session with no per-file override. nil means forever.
	DefaultRetentionDays *int `mapstructure:"default_retention_days"`
	// MinFreeDisk, when > 0, makes the scheduler hold a Queued session
	// rather than promote it when downloadsDir has less free space
	// than this. Accepts human-readable sizes (see ByteSize).
	MinFreeDisk ByteSize `mapstructure:"min_free_disk"`
}

// RetentionConfig holds the retention sweeper's schedule.
type RetentionConfig struct {
	// SweepCron is a standard 5 or 6-field cron expression, or a
	// @every/@hourly-style descriptor. Default: @hourly.
	SweepCron string `mapstructure:"sweep_cron"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSVAULT_ and use
// underscores for nesting. Example: HLSVAULT_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsvault")
		v.AddConfigPath("$HOME/.hlsvault")
	}

	v.SetEnvPrefix("HLSVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure
// defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "hlsvault.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("download.downloads_dir", "data/downloads")
	v.SetDefault("download.max_concurrent_segments", defaultMaxConcurrentSegs)
	v.SetDefault("download.max_concurrent_downloads", defaultMaxConcurrentDls)
	v.SetDefault("download.max_retries", defaultMaxRetries)
	v.SetDefault("download.segment_timeout", Duration(defaultSegmentTimeout).String())
	v.SetDefault("download.min_free_disk", "0")

	v.SetDefault("retention.sweep_cron", defaultSweepCron)

	v.SetDefault("ffmpeg.binary_path", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// An empty driver disables the optional read-model index.
	if c.Database.Driver != "" {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Download.DownloadsDir == "" {
		return fmt.Errorf("download.downloads_dir is required")
	}
	if c.Download.MaxConcurrentSegments < 1 {
		return fmt.Errorf("download.max_concurrent_segments must be at least 1")
	}
	if c.Download.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("download.max_concurrent_downloads must be at least 1")
	}
	if c.Download.MaxRetries < 1 {
		return fmt.Errorf("download.max_retries must be at least 1")
	}
	if c.Download.SegmentTimeout.Duration() < time.Millisecond {
		return fmt.Errorf("download.segment_timeout must be at least 1ms")
	}
	if c.Download.DefaultRetentionDays != nil && *c.Download.DefaultRetentionDays < 0 {
		return fmt.Errorf("download.default_retention_days must not be negative")
	}
	if c.Download.MinFreeDisk < 0 {
		return fmt.Errorf("download.min_free_disk must not be negative")
	}

	if c.Retention.SweepCron == "" {
		return fmt.Errorf("retention.sweep_cron is required")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
