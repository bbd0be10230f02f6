// Package logger is the structured logging facade shared by every strata
// component. It wraps log/slog behind a small interface so packages can take a
// Logger without caring which handler the CLI installed.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is what strata components log through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a Logger over handler.
func New(handler slog.Handler) Logger {
	return slogLogger{l: slog.New(handler)}
}

// Default logs at info level to stderr with the pretty handler.
func Default() Logger {
	return Pretty(os.Stderr, slog.LevelInfo)
}

// Discard drops every record. Components fall back to it when constructed
// without a logger.
func Discard() Logger {
	return New(slog.DiscardHandler)
}

// JSON logs one JSON object per record, with source locations.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

// Text logs logfmt-style records without color.
func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Pretty logs colored single-line records. Color is dropped when w is not a
// terminal or NO_COLOR is set.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &PrettyOptions{
		HandlerOptions: slog.HandlerOptions{Level: level},
		NoColor:        !colorable(w),
	}))
}

// ForFormat builds the logger for a CLI --log-format value.
func ForFormat(format string, w io.Writer, level slog.Level) (Logger, error) {
	switch strings.ToLower(format) {
	case "", "pretty":
		return Pretty(w, level), nil
	case "json":
		return JSON(w, level), nil
	case "text":
		return Text(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected pretty, json, or text)", format)
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type loggerKey struct{}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the Logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s slogLogger) With(args ...any) Logger {
	return slogLogger{l: s.l.With(args...)}
}

func (s slogLogger) WithGroup(name string) Logger {
	return slogLogger{l: s.l.WithGroup(name)}
}

func colorable(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
