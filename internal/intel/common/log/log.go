package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global = newZapLogger(false, zapcore.InfoLevel)

// SetLogger swaps the process logger; tests restore the previous one.
func SetLogger(l Logger) { global = l }

// GetLogger returns the process logger.
func GetLogger() Logger { return global }

// Logger defines the rr-intel logging interface.
// Every component receives one through its Options struct.
type Logger interface {
	Info(fields map[string]any, msg string)
	Error(fields map[string]any, msg string)
	Debug(fields map[string]any, msg string)
	Warn(fields map[string]any, msg string)
	Panic(fields map[string]any, msg string)
	Fatal(fields map[string]any, msg string)
}

// Configure installs a zap logger for env (anything but "prod" is console
// output) at the named level.
func Configure(env, level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	global = newZapLogger(env != "prod", lvl)
	return nil
}

// With returns a Logger that adds the given fields to every entry written
// through it. Per-call fields win over scoped fields with the same key.
func With(l Logger, fields map[string]any) Logger {
	if l == nil {
		l = global
	}
	if len(fields) == 0 {
		return l
	}
	scoped := make(map[string]any, len(fields))
	for k, v := range fields {
		scoped[k] = v
	}
	return &scopedLogger{next: l, fields: scoped}
}

// Component is shorthand for With(l, {"component": name}).
func Component(l Logger, name string) Logger {
	return With(l, map[string]any{"component": name})
}

// Package-level helpers write through the global logger.

func Info(fields map[string]any, msg string)  { global.Info(fields, msg) }
func Error(fields map[string]any, msg string) { global.Error(fields, msg) }
func Debug(fields map[string]any, msg string) { global.Debug(fields, msg) }
func Warn(fields map[string]any, msg string)  { global.Warn(fields, msg) }
func Panic(fields map[string]any, msg string) { global.Panic(fields, msg) }
func Fatal(fields map[string]any, msg string) { global.Fatal(fields, msg) }

// zapLogger writes through a single zap core. Entries below the configured
// level are dropped before any field conversion happens.
type zapLogger struct {
	base *zap.Logger
}

func newZapLogger(dev bool, level zapcore.Level) Logger {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.LevelKey = "level"

	base, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		base = zap.NewNop()
	}
	return &zapLogger{base: base}
}

// write panics for PanicLevel and exits for FatalLevel, as zap does.
func (l *zapLogger) write(lvl zapcore.Level, fields map[string]any, msg string) {
	ce := l.base.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(zapFields(fields)...)
}

func (l *zapLogger) Info(fields map[string]any, msg string)  { l.write(zapcore.InfoLevel, fields, msg) }
func (l *zapLogger) Error(fields map[string]any, msg string) { l.write(zapcore.ErrorLevel, fields, msg) }
func (l *zapLogger) Debug(fields map[string]any, msg string) { l.write(zapcore.DebugLevel, fields, msg) }
func (l *zapLogger) Warn(fields map[string]any, msg string)  { l.write(zapcore.WarnLevel, fields, msg) }
func (l *zapLogger) Panic(fields map[string]any, msg string) { l.write(zapcore.PanicLevel, fields, msg) }
func (l *zapLogger) Fatal(fields map[string]any, msg string) { l.write(zapcore.FatalLevel, fields, msg) }

// zapFields converts a field map, logging errors by their message.
func zapFields(m map[string]any) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case error:
			out = append(out, zap.String(k, val.Error()))
		default:
			out = append(out, zap.Any(k, val))
		}
	}
	return out
}

// scopedLogger merges a fixed set of fields into every call.
type scopedLogger struct {
	next   Logger
	fields map[string]any
}

func (s *scopedLogger) merge(fields map[string]any) map[string]any {
	out := make(map[string]any, len(s.fields)+len(fields))
	for k, v := range s.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (s *scopedLogger) Info(fields map[string]any, msg string)  { s.next.Info(s.merge(fields), msg) }
func (s *scopedLogger) Error(fields map[string]any, msg string) { s.next.Error(s.merge(fields), msg) }
func (s *scopedLogger) Debug(fields map[string]any, msg string) { s.next.Debug(s.merge(fields), msg) }
func (s *scopedLogger) Warn(fields map[string]any, msg string)  { s.next.Warn(s.merge(fields), msg) }
func (s *scopedLogger) Panic(fields map[string]any, msg string) { s.next.Panic(s.merge(fields), msg) }
func (s *scopedLogger) Fatal(fields map[string]any, msg string) { s.next.Fatal(s.merge(fields), msg) }

// noopLogger is a Logger implementation that discards all log messages.
type noopLogger struct{}

func (n *noopLogger) Info(map[string]any, string)  {}
func (n *noopLogger) Error(map[string]any, string) {}
func (n *noopLogger) Debug(map[string]any, string) {}
func (n *noopLogger) Warn(map[string]any, string)  {}
func (n *noopLogger) Panic(map[string]any, string) {}
func (n *noopLogger) Fatal(map[string]any, string) {}

// NewNoopLogger returns a Logger that discards all log messages.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
