// Package logging holds the process-wide operational logger used by the
// storage layer, backends and the depot CLI.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Component returns the operational logger tagged with a component name,
// e.g. "repository" or "kv".
func Component(name string) *slog.Logger {
	return Op().With("component", name)
}

// SetLogger replaces the operational logger. A nil logger is ignored.
func SetLogger(l *slog.Logger) {
	if l != nil {
		opLogger.Store(l)
	}
}

// SetLevel changes the level of the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// Level returns the current level.
func Level() slog.Level {
	return logLevel.Level()
}

// SetLevelFromString sets the level from "debug", "info", "warn" or "error".
// Unknown values leave the level unchanged and return false.
func SetLevelFromString(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		return false
	}
	return true
}
