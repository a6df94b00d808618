package internal

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ParseLevel accepts debug, info, warn or error, case-insensitively, and
// offsets such as "warn+2".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger returns the process logger: JSON with UTC timestamps in prod,
// text elsewhere. An unknown level falls back to info with a warning.
func NewLogger(w io.Writer, env, level string) *slog.Logger {
	lvl, err := ParseLevel(level)

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if env == "prod" {
		opts.ReplaceAttr = utcTime
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h).With("service", "cartengine")
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}
	return logger
}

func utcTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}
