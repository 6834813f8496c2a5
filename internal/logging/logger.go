// Package logging provides the printf-style component loggers used across
// pipewatch, backed by log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface instead of a concrete logger so tests
// can pass Nop() and binaries can route output however they like.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config selects the level, encoding, and destination of the process logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text (default) or json
	Output io.Writer
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

func newHandler(config Config) slog.Handler {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(config.Format, "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = slog.New(newHandler(Config{}))
)

// Configure replaces the process-wide default logger. Call once at startup
// before components grab their loggers.
func Configure(config Config) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = slog.New(newHandler(config))
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	defaultMu.RLock()
	base := defaultLogger
	defaultMu.RUnlock()
	return &printfLogger{logger: base.With("component", component)}
}

// printfLogger preserves printf-style call sites by formatting the message
// before handing it to the structured backend.
type printfLogger struct {
	logger *slog.Logger
}

func (l *printfLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *printfLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *printfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *printfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
