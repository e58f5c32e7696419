// Package logging builds the process-wide slog handler: a human-readable
// stream on stderr, optionally fanned out to a JSON log file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// MultiHandler fans every record out to a set of handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler returns a handler that writes to every h.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled reports whether any handler accepts level.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: hs}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: hs}
}

// Options selects the console handler and an optional JSON file sink.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	File   string
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New builds a logger writing to w (and to opts.File as JSON at debug
// level). The returned closer releases the log file.
func New(w io.Writer, opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	ho := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	switch opts.Format {
	case "", "text":
		console = slog.NewTextHandler(w, ho)
	case "json":
		console = slog.NewJSONHandler(w, ho)
	default:
		return nil, nil, fmt.Errorf("log format %q: want text or json", opts.Format)
	}

	if opts.File == "" {
		return slog.New(console), io.NopCloser(nil), nil
	}
	//nolint:gosec // G304: path comes from the operator's config
	lf, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	jsonH := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewMultiHandler(console, jsonH)), lf, nil
}
