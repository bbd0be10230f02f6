package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// ComponentKey is the attribute the pretty handler lifts out of the attribute
// list and prints as a "[name]" prefix.
const ComponentKey = "component"

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	slog.HandlerOptions
	// NoColor disables ANSI escapes, for log files and pipes.
	NoColor bool
	// TimeFormat overrides the timestamp layout. Defaults to time.TimeOnly
	// with milliseconds.
	TimeFormat string
}

// PrettyHandler is a slog.Handler producing one colored line per record:
//
//	15:04:05.000 INFO  [engine] message key=value
type PrettyHandler struct {
	opts      PrettyOptions
	mu        *sync.Mutex
	w         io.Writer
	component string
	prefix    string
	attrs     []slog.Attr
}

// NewPrettyHandler wraps w. A nil opts means info level with colors.
func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.TimeFormat == "" {
		h.opts.TimeFormat = "15:04:05.000"
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	if !r.Time.IsZero() {
		buf = h.paint(buf, ansiGray, r.Time.AppendFormat(nil, h.opts.TimeFormat))
		buf = append(buf, ' ')
	}
	buf = h.paint(buf, ansiBold+levelColor(r.Level), []byte(levelLabel(r.Level)))
	buf = append(buf, ' ')

	component := h.component
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey && h.prefix == "" {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, a)
		return true
	})
	if component != "" {
		buf = h.paint(buf, ansiGreen, []byte("["+component+"]"))
		buf = append(buf, ' ')
	}
	buf = append(buf, r.Message...)

	// h.attrs carry their group prefix already.
	for _, a := range h.attrs {
		buf = h.appendAttr(buf, "", a)
	}
	for _, a := range attrs {
		buf = h.appendAttr(buf, h.prefix, a)
	}
	if h.opts.AddSource && r.PC != 0 {
		if src := r.Source(); src != nil {
			buf = append(buf, ' ')
			buf = h.paint(buf, ansiGray, fmt.Appendf(nil, "%s:%d", shortFile(src.File), src.Line))
		}
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		if a.Key == ComponentKey && h.prefix == "" {
			c.component = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, prefixed(h.prefix, a))
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *PrettyHandler) paint(buf []byte, color string, text []byte) []byte {
	if h.opts.NoColor {
		return append(buf, text...)
	}
	buf = append(buf, color...)
	buf = append(buf, text...)
	return append(buf, ansiReset...)
}

func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			buf = h.appendAttr(buf, p, g)
		}
		return buf
	}

	buf = append(buf, ' ')
	color := ansiCyan
	if _, isErr := a.Value.Any().(error); isErr || a.Key == "err" || a.Key == "error" {
		color = ansiRed
	}
	buf = h.paint(buf, color, []byte(prefix+a.Key+"="))
	return appendValue(buf, a.Value)
}

func prefixed(prefix string, a slog.Attr) slog.Attr {
	if prefix == "" {
		return a
	}
	return slog.Attr{Key: prefix + a.Key, Value: a.Value}
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339Nano)
	default:
		if err, ok := v.Any().(error); ok {
			return appendString(buf, err.Error())
		}
		return appendString(buf, fmt.Sprint(v.Any()))
	}
}

func appendString(buf []byte, s string) []byte {
	if s == "" || needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c <= ' ' || c == '"' || c == '=' || c == 0x7f {
			return true
		}
	}
	return false
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

// levelLabel pads to five columns so messages line up.
func levelLabel(level slog.Level) string {
	s := level.String()
	for len(s) < 5 {
		s += " "
	}
	return s
}

func shortFile(path string) string {
	slashes := 0
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			slashes++
			if slashes == 2 {
				return path[i+1:]
			}
		}
	}
	return path
}
