// Package logging builds the zap logger shared by all ferry components.
//
// One logger is constructed at startup from CLI/config values; components
// derive named children from it (logger.Named("split"), ...) and workers
// attach their identity with WithWorker so every line in a parallel transfer
// can be traced back to the goroutine that wrote it.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level and output encoding.
type Config struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is "console" (developer-friendly) or "json" (machine-parseable).
	Format string
}

// Setup constructs the root logger. Callers own the returned logger and
// should defer logger.Sync().
func Setup(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("logging: unknown format %q (want console or json)", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

// WithRun tags a logger with the run correlation id attached to every
// message of one transfer run.
func WithRun(l *zap.Logger, runID string) *zap.Logger {
	return l.With(zap.String("run_id", runID))
}

// WithWorker tags a logger with a worker identity.
func WithWorker(l *zap.Logger, id int) *zap.Logger {
	return l.With(zap.Int("worker", id))
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", s)
	}
}
