// Package logger provides a shared structured logging implementation using slog.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Level is the minimum log level to output.
	Level slog.Level
	// AddSource adds source code position to log records.
	AddSource bool
	// File additionally writes logs to a size-rotated file when set.
	File *FileConfig
}

// FileConfig configures a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// writer returns a rotating writer for the file, applying defaults.
func (f *FileConfig) writer() io.Writer {
	maxSize := f.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   f.Path,
		MaxSize:    maxSize,
		MaxBackups: f.MaxBackups,
		MaxAge:     f.MaxAgeDays,
		Compress:   f.Compress,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     slog.LevelInfo,
		Output:    os.Stdout,
		AddSource: false,
	}
}

// New creates a new JSON logger with the provided configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.File != nil && cfg.File.Path != "" {
		out = io.MultiWriter(out, cfg.File.writer())
	}

	// Create handler options
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	// Create JSON handler
	handler := slog.NewJSONHandler(out, opts)

	// Create and return logger
	return slog.New(handler)
}

// NewDefault creates a new JSON logger with default configuration.
func NewDefault() *slog.Logger {
	return New(DefaultConfig())
}

// ParseLevel converts a string to a slog.Level.
// Supported values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo if the level string is not recognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithComponent tags every record of the returned logger with a component
// name, plus any extra attributes.
func WithComponent(logger *slog.Logger, component string, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("component", component))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return logger.With(args...)
}
