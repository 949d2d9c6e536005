// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// ErrInvalidConfig is returned when a loaded value is out of range.
var ErrInvalidConfig = errors.New("config: invalid value")

// Config holds all configuration for the application.
// It is built once at startup and handed to every component explicitly.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=5000" json:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	MaxUploadBytes int64    `env:"MAX_UPLOAD_BYTES, default=33554432" json:"max_upload_bytes" validate:"gt=0"`

	// Debug switches to debug-level console logging and disables the error log file.
	Debug      bool `env:"DEBUG, default=false" json:"debug"`
	FlaskDebug bool `env:"FLASK_DEBUG, default=false" json:"-"`

	// Storage settings
	UploadDir         string   `env:"UPLOAD_DIR, default=web_tool/uploads" json:"upload_dir" validate:"required"`
	ProcessedDir      string   `env:"PROCESSED_DIR, default=web_tool/processed" json:"processed_dir" validate:"required"`
	LogFile           string   `env:"LOG_FILE, default=web_tool/app.log" json:"log_file"`
	AllowedExtensions []string `env:"ALLOWED_EXTENSIONS, default=png,jpg,jpeg,gif" json:"allowed_extensions" validate:"min=1,dive,required"`

	// Cache cleanup settings
	CacheCleanupEnabled         bool `env:"CACHE_CLEANUP_ENABLED, default=true" json:"cache_cleanup_enabled"`
	CacheMaxAgeSeconds          int  `env:"CACHE_MAX_AGE_SECONDS, default=3600" json:"cache_max_age_seconds" validate:"gt=0"`
	CacheCleanupIntervalSeconds int  `env:"CACHE_CLEANUP_INTERVAL_SECONDS, default=600" json:"cache_cleanup_interval_seconds" validate:"gt=0"`

	// Watermark engine seeds. Fixed values keep outputs interoperable between
	// deployments; they do not make the mark secret.
	ImageSeed     uint64 `env:"WM_IMAGE_SEED, default=1" json:"-"`
	WatermarkSeed uint64 `env:"WM_MARK_SEED, default=1" json:"-"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// DebugMode reports whether either debug switch is set.
func (c *Config) DebugMode() bool {
	return c.Debug || c.FlaskDebug
}

// CacheMaxAge returns the stale-file threshold as a duration.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeSeconds) * time.Second
}

// CacheCleanupInterval returns the pause between two sweeps.
func (c *Config) CacheCleanupInterval() time.Duration {
	return time.Duration(c.CacheCleanupIntervalSeconds) * time.Second
}

// Load reads configuration from environment variables using go-envconfig
// and validates the result.
func Load() (*Config, error) {
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for i, ext := range cfg.AllowedExtensions {
		cfg.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that numeric settings are in range and required paths are set.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	return nil
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Debug: %t, UploadDir: %s, ProcessedDir: %s, CacheCleanupEnabled: %t, CacheMaxAgeSeconds: %d, CacheCleanupIntervalSeconds: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DebugMode(),
		c.UploadDir,
		c.ProcessedDir,
		c.CacheCleanupEnabled,
		c.CacheMaxAgeSeconds,
		c.CacheCleanupIntervalSeconds,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}
