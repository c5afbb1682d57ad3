// Package logging builds the process-wide *slog.Logger from the
// auditing section of the configuration: console on/off, minimum
// level, JSON vs text rendering, and whether to include source
// file:line detail.
//
// Called by: cmd/svcbusd, cmd/svcbuscall, public/instance
// Calls: internal/config
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tenzoki/svcbus/internal/config"
)

// New builds a *slog.Logger from cfg.Logging. When ConsoleEnabled is
// false, logging is routed to io.Discard rather than silently
// swallowed at every call site.
func New(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stderr
	if !cfg.ConsoleEnabled {
		out = io.Discard
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.MinLevel),
		AddSource: cfg.Details,
	}

	var handler slog.Handler
	if cfg.UsesJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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
