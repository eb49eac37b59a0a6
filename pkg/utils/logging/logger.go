// Package logging provides a console slog logger and carries it through
// context so every layer logs with the same handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
)

type contextKey struct{}

var (
	loggerKey       = contextKey{}
	defaultLogger   *slog.Logger
	defaultLoggerMu sync.RWMutex
)

func init() {
	defaultLogger = New("info", os.Stderr)
}

// parseLevel accepts "debug", "info", "warn"/"warning" and "error",
// case-insensitive. Unknown values fall back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		defaultLogger.Warn("invalid log level", "level", level)
		return slog.LevelInfo
	}
}

// New creates a console logger writing to w at the given level.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	handler := clog.New(
		clog.WithWriter(w),
		clog.WithLevel(parseLevel(level)),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)

	return slog.New(handler)
}

// Default returns the process-wide fallback logger.
func Default() *slog.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide fallback logger.
func SetDefault(logger *slog.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = logger
}

// With attaches the logger to the context.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// From retrieves the logger from the context, or the default logger if
// none is attached.
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return Default()
}
