// Package logging holds the process-wide zap logger.
//
// Operations and jobs carry a child logger in their context so that
// every line logged on their behalf is tagged with the operation id.
package logging

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var (
	global atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger from cfg. An unknown level falls back
// to info.
func Init(cfg Config) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	zc.DisableStacktrace = true
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	global.Store(logger)
	return nil
}

// Replace installs logger as the global logger.
func Replace(logger *zap.Logger) {
	global.Store(logger)
}

// Sync flushes buffered entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// L returns the global logger. Until Init runs it is a no-op logger.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// WithContext returns the logger attached to ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return L()
}

// WithOperation attaches a logger tagged with op_id and fields to ctx.
// Nested operations keep the tags of the outer one.
func WithOperation(ctx context.Context, id string, fields ...zap.Field) context.Context {
	logger := WithContext(ctx).With(append([]zap.Field{zap.String("op_id", id)}, fields...)...)
	return context.WithValue(ctx, contextKey{}, logger)
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
