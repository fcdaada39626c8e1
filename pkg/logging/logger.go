// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Secrets are values (API tokens, webhook secrets) that must never
	// appear in log output. They are masked before any line reaches the sink.
	Secrets []string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	// Redaction sits closest to the sink so it covers every event,
	// including ones logged through the global logger.
	output = NewRedactor(output, cfg.Secrets)

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Fingerprint checks (changed/unchanged, subject id)
//   - Request flow (attempt counts, backoff durations)
//   - Chunk claim outcomes (won/lost)
//
// Info: Normal operation events
//   - Batch initiated / batch completed
//   - Successful supplier requests
//   - Webhook events accepted (audit log)
//   - Rate limit state updates (healthy)
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and rate-limit waits
//   - Per-item processing failures inside a chunk
//   - Duplicate webhook deliveries
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Chunks marked failed
//   - Store errors
//   - Configuration errors
//
// Context Fields:
//   - endpoint: supplier endpoint path
//   - batch_id / chunk_index: batch pipeline identifiers
//   - status_code: HTTP status code
//   - attempt: request attempt number
//   - error_class: error classification (client, server, rate_limit, network)
//   - remaining: rate-limit headroom at call time
