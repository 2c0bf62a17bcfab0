// Package logging wraps log/slog with the level/format plumbing shared by
// every Sentinel component.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options controls handler construction.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // json, text
	AddSource bool
}

// Logger wraps slog.Logger with Sentinel specific helpers.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to w with the given options.
func New(w io.Writer, opts Options) *Logger {
	if w == nil {
		w = os.Stdout
	}

	hopts := &slog.HandlerOptions{
		Level:     parseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(w, hopts)
	default:
		handler = slog.NewTextHandler(w, hopts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// NewDefault creates a logger with sensible defaults (info level, text
// format, stdout). Used by tests and as a fallback before config is loaded.
func NewDefault() *Logger {
	return New(os.Stdout, Options{Level: "info", Format: "text"})
}

// WithField returns a logger with one additional field attached.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value)}
}

// WithFields returns a logger with additional fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// SetGlobal installs l as the process-wide default slog logger.
func SetGlobal(l *Logger) {
	slog.SetDefault(l.Logger)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
