package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Slog adapts a *slog.Logger to the domain Logger port.
type Slog struct {
	l *slog.Logger
}

// New creates a logger writing to w. format is "text" or "json"; level is
// one of debug, info, warn, error.
func New(w io.Writer, level, format string) (*Slog, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q: expected text or json", format)
	}
	return &Slog{l: slog.New(h).With("app", "agenttap")}, nil
}

// NewStderr creates an info-level text logger on stderr.
func NewStderr() *Slog {
	l, _ := New(os.Stderr, "info", "text")
	return l
}

// ParseLevel maps a level name to a slog level. "warning" is accepted.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a logger that adds args to every record.
func (s *Slog) With(args ...any) *Slog {
	return &Slog{l: s.l.With(args...)}
}

// Slog exposes the underlying logger.
func (s *Slog) Slog() *slog.Logger { return s.l }

func (s *Slog) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *Slog) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *Slog) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *Slog) Error(msg string, args ...any) { s.l.Error(msg, args...) }
