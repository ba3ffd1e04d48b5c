// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer RunLogger with contextual helpers
// (conversation, run, component) and domain specific helpers for stream
// statistics, finalization and sink failures.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger defines the minimal logging interface used across runstream.
// Arguments are slog style key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// RunLogger wraps slog.Logger adding contextual cloning helpers and domain
// convenience methods. It is cheap to copy via the With* methods.
type RunLogger struct {
	logger *slog.Logger
	// base receives the entries when the RunLogger wraps a plain Logger
	base           Logger
	level          LogLevel
	context        map[string]any
	component      string
	conversationID string
	runID          string
}

// LoggerConfig configures construction of a RunLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr, CustomAttrs: map[string]any{}}
}

// NewLogger builds a RunLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *RunLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	ctx := map[string]any{}
	for k, v := range cfg.CustomAttrs {
		ctx[k] = v
	}
	return &RunLogger{logger: slog.New(handler), level: cfg.Level, context: ctx, component: cfg.Component}
}

// NewSlogLogger creates a new RunLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *RunLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *RunLogger) clone() *RunLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithComponent sets the logical component (decoder, tracker, router, ...).
func (l *RunLogger) WithComponent(c string) *RunLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithRun attaches conversation and run identifiers.
func (l *RunLogger) WithRun(conversationID, runID string) *RunLogger {
	nl := l.clone()
	nl.conversationID = conversationID
	nl.runID = runID
	return nl
}

// ForRun returns a RunLogger scoped to a run. A *RunLogger is cloned; any
// other Logger is wrapped, receiving the run identifiers as key/value pairs.
func ForRun(l Logger, conversationID, runID string) *RunLogger {
	rl, ok := l.(*RunLogger)
	if !ok {
		rl = &RunLogger{base: OrNoOp(l), level: LogLevelDebug, context: map[string]any{}}
	}
	return rl.WithRun(conversationID, runID)
}

func (l *RunLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.conversationID != "" {
		attrs = append(attrs, slog.String("conversation_id", l.conversationID))
	}
	if l.runID != "" {
		attrs = append(attrs, slog.String("run_id", l.runID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *RunLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	attrs := l.buildAttrs()
	if l.base != nil {
		l.forward(level, msg, attrs, args)
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(attrs...)
	r.Add(args...)
	_ = l.logger.Handler().Handle(context.Background(), r)
}

func (l *RunLogger) forward(level slog.Level, msg string, attrs []slog.Attr, args []any) {
	kv := make([]any, 0, 2*len(attrs)+len(args))
	for _, a := range attrs {
		kv = append(kv, a.Key, a.Value.Any())
	}
	kv = append(kv, args...)
	switch {
	case level >= slog.LevelError:
		l.base.Error(msg, kv...)
	case level >= slog.LevelWarn:
		l.base.Warn(msg, kv...)
	case level >= slog.LevelInfo:
		l.base.Info(msg, kv...)
	default:
		l.base.Debug(msg, kv...)
	}
}

// Debug logs at debug level.
func (l *RunLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *RunLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *RunLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *RunLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// LogStreamStats records per-run stream statistics once the read loop exits.
func (l *RunLogger) LogStreamStats(frames, dropped, duplicates int, dur time.Duration) {
	l.Info("Stream closed",
		"frames", frames,
		"dropped_frames", dropped,
		"duplicate_frames", duplicates,
		"duration", dur,
	)
}

// LogFinalization records the single terminal persistence call of a run.
func (l *RunLogger) LogFinalization(status string, textLen int, dur time.Duration, err error) {
	if err != nil {
		l.Error("Run finalization failed", "status", status, "text_len", textLen, "duration", dur, "error", err.Error())
		return
	}
	l.Info("Run finalized", "status", status, "text_len", textLen, "duration", dur)
}

// LogSinkFailure records a sink delivery that failed without failing the run.
func (l *RunLogger) LogSinkFailure(sink string, err error) {
	l.Warn("Sink delivery failed", "sink", sink, "error", err.Error())
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
