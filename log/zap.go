package log

import (
	"fmt"
	stdlog "log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func mustZapLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	if lvl := os.Getenv("POOLRPC_LOG_LEVEL"); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			stdlog.Printf("log: ignoring POOLRPC_LOG_LEVEL=%q: %v", lvl, err)
		} else {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("log: failed to build zap logger: %v", err))
	}
	return l
}
