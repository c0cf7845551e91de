// internal/logging/logging.go

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Callback receives every record at or above the configured level, for the
// dashboard log view.
type Callback func(level, message string)

type Options struct {
	File     string // empty logs to stderr
	Format   string // text or json
	Level    string // debug, info, warn, error
	Callback Callback
}

// Setup opens the log file and returns the logger plus a closer for the file.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = file, file
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, hopts)
	case "json":
		handler = slog.NewJSONHandler(out, hopts)
	default:
		closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Callback != nil {
		handler = &callbackHandler{next: handler, callback: opts.Callback}
	}
	return slog.New(handler), closer, nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// callbackHandler forwards records to a Callback before passing them on.
type callbackHandler struct {
	next     slog.Handler
	callback Callback
	attrs    string
}

func (h *callbackHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *callbackHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.callback(r.Level.String(), b.String())
	return h.next.Handle(ctx, r)
}

func (h *callbackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	return &callbackHandler{next: h.next.WithAttrs(attrs), callback: h.callback, attrs: b.String()}
}

func (h *callbackHandler) WithGroup(name string) slog.Handler {
	return &callbackHandler{next: h.next.WithGroup(name), callback: h.callback, attrs: h.attrs}
}
