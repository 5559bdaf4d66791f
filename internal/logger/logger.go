// Package logger provides structured logging for the page store.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with page-store-specific functionality.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pagestore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }
func (l *Logger) Fatal(msg string) *zerolog.Event { return l.zlog.Fatal().Str("msg", msg) }

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// AllocatorLogger returns a logger scoped to buddy-allocator and region-
// tracker operations.
func (l *Logger) AllocatorLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "allocator").
			Str("operation", operation).
			Logger(),
	}
}

// EngineLogger returns a logger scoped to page-store engine operations
// (commit, rollback, recovery).
func (l *Logger) EngineLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "engine").
			Str("operation", operation).
			Logger(),
	}
}

// MultimapLogger returns a logger scoped to the multimap overlay.
func (l *Logger) MultimapLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "multimap").
			Str("operation", operation).
			Logger(),
	}
}

// LogCommit logs a completed commit with its durability mode.
func (l *Logger) LogCommit(transactionID uint64, durable bool, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "engine").
		Uint64("transaction_id", transactionID).
		Bool("durable", durable).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "engine").
			Uint64("transaction_id", transactionID).
			Bool("durable", durable).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("commit completed")
}

// LogRecovery logs a crash-recovery pass.
func (l *Logger) LogRecovery(primarySlot uint8, repaired bool) {
	l.zlog.Warn().
		Str("component", "engine").
		Uint8("primary_slot", primarySlot).
		Bool("repaired", repaired).
		Msg("recovery pass completed")
}

// LogGrow logs a region-set growth event.
func (l *Logger) LogGrow(newRegions uint32, totalBytes uint64) {
	l.zlog.Info().
		Str("component", "allocator").
		Uint32("new_regions", newRegions).
		Uint64("total_bytes", totalBytes).
		Msg("storage grown")
}

// LogPromotion logs a multimap key's value-set crossing from inline to a
// nested subtree.
func (l *Logger) LogPromotion(valueCount int) {
	l.zlog.Debug().
		Str("component", "multimap").
		Int("value_count", valueCount).
		Msg("promoted inline collection to subtree")
}

// LogDemotion logs a multimap key's subtree collapsing back to inline.
func (l *Logger) LogDemotion(valueCount int) {
	l.zlog.Debug().
		Str("component", "multimap").
		Int("value_count", valueCount).
		Msg("demoted subtree to inline collection")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance, initializing it with
// defaults on first use.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
