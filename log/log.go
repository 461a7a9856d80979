// Package log provides structured logging for poolrpc components.
//
// It wraps a zap logger behind a small sugared Logger interface so packages
// do not depend on zap directly.
package log

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = mustZapLogger()
)

type ctxKey struct{}

// SetZapLogger sets zap logger as default logger.
// Useful for test
//
//	log.SetZapLogger(zap.NewNop())
func SetZapLogger(zapLogger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = zapLogger
}

// Zap returns the default zap logger.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithFields returns a context carrying fields that FromContext adds to
// every entry logged through it.
func WithFields(ctx context.Context, fields ...zapcore.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKey{}).([]zapcore.Field)
	merged := make([]zapcore.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FromContext returns logger with context.
// Fields attached by WithFields are added as context information of the log.
func FromContext(ctx context.Context) Logger {
	l := Zap()
	if ctx != nil {
		if fields, ok := ctx.Value(ctxKey{}).([]zapcore.Field); ok {
			l = l.With(fields...)
		}
	}
	return l.Sugar()
}

// Logger is logging interface.
type Logger interface {
	// Debug logs to DEBUG log. Arguments are handled in the manner of fmt.Print.
	Debug(args ...interface{})

	// Debugf logs to DEBUG log. Arguments are handled in the manner of fmt.Printf.
	Debugf(format string, arg ...interface{})

	// Info logs to INFO log. Arguments are handled in the manner of fmt.Print.
	Info(args ...interface{})

	// Infof logs to INFO log. Arguments are handled in the manner of fmt.Printf.
	Infof(format string, arg ...interface{})

	// Warn logs to WARNING log. Arguments are handled in the manner of fmt.Print.
	Warn(args ...interface{})

	// Warnf logs to WARNING log. Arguments are handled in the manner of fmt.Printf.
	Warnf(format string, arg ...interface{})

	// Error logs to ERROR log. Arguments are handled in the manner of fmt.Print.
	Error(args ...interface{})

	// Errorf logs to ERROR log. Arguments are handled in the manner of fmt.Printf.
	Errorf(format string, arg ...interface{})

	// Fatal logs to CRITICAL log and exits. Arguments are handled in the manner of fmt.Print.
	Fatal(args ...interface{})

	// Fatalf logs to CRITICAL log and exits. Arguments are handled in the manner of fmt.Printf.
	Fatalf(format string, arg ...interface{})

	// Sync flushes any buffered log entries.
	Sync() error
}

var _ Logger = (*zap.SugaredLogger)(nil)
