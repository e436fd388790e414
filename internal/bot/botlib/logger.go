// Package botlib holds the shared domain types, error taxonomy, and logging
// contract used across the bot-execution control plane (internal/bot/...).
package botlib

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured-logging contract used throughout internal/bot.
// It mirrors core.ILogger's shape (key/value variadic fields, per-component
// children) but is defined here rather than imported from internal/core so
// that this subsystem does not inherit that package's dependency on the
// generated (and currently absent) internal/pb types.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ZapLogger implements Logger on top of go.uber.org/zap, the teacher's own
// structured-logging library.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console-encoded zap logger at the given level.
func NewZapLogger(levelStr string) *ZapLogger {
	var level zapcore.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = zap.DebugLevel
	case "WARN":
		level = zap.WarnLevel
	case "ERROR":
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level)

	return &ZapLogger{logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}
}

func (l *ZapLogger) fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.logger.Debug(msg, l.fields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.logger.Info(msg, l.fields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.logger.Warn(msg, l.fields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.logger.Error(msg, l.fields(fields)...) }

func (l *ZapLogger) WithField(key string, value interface{}) Logger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// NopLogger discards everything; useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{})          {}
func (NopLogger) Info(string, ...interface{})           {}
func (NopLogger) Warn(string, ...interface{})           {}
func (NopLogger) Error(string, ...interface{})          {}
func (n NopLogger) WithField(string, interface{}) Logger { return n }
func (n NopLogger) WithFields(map[string]interface{}) Logger { return n }
