// Package logging configures the process-wide slog logger. Adapted from the
// teacher's libs/go/core/logging package: JSON or text handler chosen by
// config, one default logger tagged with the service name, components then
// derive their own tagged child loggers from it.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures and installs the global slog logger, returning it so
// main can pass it down explicitly instead of relying on the default.
func Init(service string, level string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: false, Level: parseLevel(level)}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonOutput, "level", level)
	return logger
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a child logger tagged with the owning component's name,
// so log lines are attributable without every package reaching for slog.Default.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
