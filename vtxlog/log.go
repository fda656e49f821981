// Package vtxlog
// Author: momentics <momentics@gmail.com>
//
// Structured logging facade built on log/slog, generalizing the pattern in
// oriys-nova/internal/logging/slog.go (an atomic.Pointer[slog.Logger] guarded
// by a dynamic slog.LevelVar) to per-component child loggers.

package vtxlog

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	root     atomic.Pointer[slog.Logger]
	levelVar = new(slog.LevelVar)
)

func init() {
	levelVar.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	root.Store(slog.New(handler))
}

// SetLevel changes the level of the root logger and every child derived from it.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// SetLevelFromString accepts "debug", "info", "warn", "error" (case-insensitive).
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "info":
		levelVar.Set(slog.LevelInfo)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	}
}

// Root returns the process-wide root logger.
func Root() *slog.Logger {
	return root.Load()
}

// For returns a child logger tagged with the given component name, e.g.
// vtxlog.For("reactor"), vtxlog.For("peering").
func For(component string) *slog.Logger {
	return root.Load().With("component", component)
}

// ForScheme returns a child logger tagged with both component and scheme,
// used by drivers which are one-per-scheme.
func ForScheme(component, scheme string) *slog.Logger {
	return root.Load().With("component", component, "scheme", scheme)
}
