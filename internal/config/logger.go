package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/watermark-api/internal/logging"
)

// NewLogger creates a structured logger based on the configuration.
// Console output goes to stdout in text or JSON form. Outside debug mode,
// error-level records are also appended as JSON to LogFile. The returned
// function closes the log file and is safe to call when none was opened.
func (c *Config) NewLogger() (*slog.Logger, func() error, error) {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(stdout io.Writer) (*slog.Logger, func() error, error) {
	level := parseLogLevel(c.LogLevel)
	if c.DebugMode() {
		level = slog.LevelDebug
	}

	var console slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		console = slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level})
	} else {
		console = slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level})
	}

	noop := func() error { return nil }
	if c.DebugMode() || c.LogFile == "" {
		return slog.New(logging.NewContextHandler(console)), noop, nil
	}

	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0750); err != nil {
		return nil, noop, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640) // #nosec G304 - path from config
	if err != nil {
		return nil, noop, fmt.Errorf("open log file: %w", err)
	}

	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelError})
	handler := logging.NewContextHandler(logging.NewFanoutHandler(console, file))

	return slog.New(handler), f.Close, nil
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
