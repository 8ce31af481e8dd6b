// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"mt5-trader/internal/models"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool // console output as JSON lines instead of pretty text
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "mt5-trader", "logs", "trader.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
				FormatLevel: func(i interface{}) string {
					if ll, ok := i.(string); ok {
						switch ll {
						case "debug":
							return "\033[36mDBG\033[0m"
						case "info":
							return "\033[32mINF\033[0m"
						case "warn":
							return "\033[33mWRN\033[0m"
						case "error":
							return "\033[31mERR\033[0m"
						default:
							return ll
						}
					}
					return "???"
				},
			})
		}
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel maps a config level name onto a zerolog level. Unknown names
// mean info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithTicket adds a position or order ticket to the logger context.
func WithTicket(logger zerolog.Logger, ticket uint64) zerolog.Logger {
	return logger.With().Uint64("ticket", ticket).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// WithCallID adds the correlation ID of a trade call to the logger context.
func WithCallID(logger zerolog.Logger, callID string) zerolog.Logger {
	return logger.With().Str("call_id", callID).Logger()
}

// LogResult logs the terminal outcome of a trade operation.
func LogResult(logger zerolog.Logger, result models.TradeResult, elapsed time.Duration) {
	var event *zerolog.Event
	if result.OK() {
		event = logger.Info()
	} else {
		event = logger.Error().Str("code", result.Code)
	}
	event.
		Str("event", "trade_result").
		Uint64("ticket", result.Ticket).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Dur("elapsed", elapsed).
		Msg(result.Message)
}

// LogAttempt logs a failed attempt that will be retried.
func LogAttempt(logger zerolog.Logger, attempt int, err error, wait time.Duration) {
	logger.Warn().
		Str("event", "retry").
		Int("attempt", attempt).
		Dur("backoff", wait).
		Err(err).
		Msg("Attempt failed, backing off")
}

// LogAPICall logs an HTTP request served by the API.
func LogAPICall(logger zerolog.Logger, method, endpoint string, status int, duration time.Duration) {
	event := logger.Debug()
	if status >= 500 {
		event = logger.Error()
	}
	event.
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", status).
		Dur("duration", duration).
		Msg("API call completed")
}
