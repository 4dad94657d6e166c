package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cwt/ananta/internal/hosts"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress non-error output
}

// Logger wraps slog.Logger with secure logging practices
type Logger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	// Set default output to stderr if not specified
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: convertLogLevel(config.Level),
	}

	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// NewLoggerFromConfig creates a logger from application configuration
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	level := LevelInfo
	if logLevel == "error" {
		level = LevelError
	}

	format := FormatText
	if logFormat == "json" {
		format = FormatJSON
	}

	return NewLogger(Config{Level: level, Format: format, Quiet: quiet})
}

// convertLogLevel converts our LogLevel to slog.Level
func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return // Suppress non-error output in quiet mode
	}
	l.logger.Info(msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// IsQuiet returns whether the logger is in quiet mode
func (l *Logger) IsQuiet() bool {
	return l.config.Quiet
}

// LogConnection logs SSH connection information securely
func (l *Logger) LogConnection(rec hosts.Record, duration time.Duration, attempt int) {
	l.Info("ssh connection established",
		"host", rec.Name,
		"address", rec.Address,
		"user", rec.User,
		"port", rec.Port,
		"duration_ms", duration.Milliseconds(),
		"attempt", attempt,
		// Note: Never log key paths or authentication details
	)
}

// LogConnectionError logs SSH connection errors securely
func (l *Logger) LogConnectionError(rec hosts.Record, err error, attempt int) {
	l.Error("ssh connection failed",
		"host", rec.Name,
		"address", rec.Address,
		"user", rec.User,
		"port", rec.Port,
		"error", err.Error(),
		"attempt", attempt,
	)
}

// LogHostResult logs a host reaching its terminal state
func (l *Logger) LogHostResult(host string, exitCode int, failure string, duration time.Duration) {
	if failure == "none" {
		l.Info("host succeeded",
			"host", host,
			"exit_code", exitCode,
			"duration_ms", duration.Milliseconds(),
		)
		return
	}
	l.Info("host failed",
		"host", host,
		"exit_code", exitCode,
		"failure", failure,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogRetry logs retry attempt information
func (l *Logger) LogRetry(rec hosts.Record, attempt int, backoff time.Duration, reason string) {
	l.Info("retrying connection",
		"host", rec.Name,
		"address", rec.Address,
		"port", rec.Port,
		"attempt", attempt,
		"backoff_ms", backoff.Milliseconds(),
		"reason", reason,
	)
}

// LogConnectionWarning logs security warnings for connections
func (l *Logger) LogConnectionWarning(hostname string, message string) {
	l.logger.Warn("connection security warning",
		"host", hostname,
		"warning", message,
	)
}

// LogDispatchStart logs the start of a dispatch run
func (l *Logger) LogDispatchStart(hostCount int, concurrency int, retries int) {
	l.Info("dispatch started",
		"host_count", hostCount,
		"concurrency", concurrency,
		"max_retries", retries,
	)
}

// LogDispatchComplete logs the completion of a dispatch run
func (l *Logger) LogDispatchComplete(hostCount int, succeeded int, failed int, duration time.Duration) {
	l.Info("dispatch completed",
		"host_count", hostCount,
		"succeeded", succeeded,
		"failed", failed,
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogHostsLoaded logs host inventory loading
func (l *Logger) LogHostsLoaded(source string, count int) {
	l.Info("hosts loaded",
		"source", source,
		"count", count,
	)
}

// LogHostsError logs host inventory errors
func (l *Logger) LogHostsError(source string, err error) {
	l.Error("hosts loading failed",
		"source", source,
		"error", err.Error(),
	)
}
