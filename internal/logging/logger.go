// Package logging builds the process slog logger from configured sinks.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"alertengine/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return NewWithConsole(cfg, os.Stdout)
}

// NewWithConsole is New with explicit console writer.
func NewWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers fanout
		closers  []io.Closer
	)
	if cfg.Console.Enabled {
		handler, err := sinkHandler("console", cfg.Console, console, true)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		file, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		handler, err := sinkHandler("file", cfg.File, file, false)
		if err != nil {
			_ = file.Close()
			return nil, nil, err
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
	switch len(handlers) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		return slog.New(handlers[0]), closeFn, nil
	default:
		return slog.New(handlers), closeFn, nil
	}
}

// Discard returns logger dropping every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sinkHandler renders one sink as text or JSON.
// Params: sink name for errors, settings, destination, and whether this is an interactive console.
// Returns: handler or unsupported level/format error.
func sinkHandler(name string, sink config.LogSinkConfig, dst io.Writer, console bool) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, fmt.Errorf("%s sink: %w", name, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if console {
		opts.ReplaceAttr = dropTime
	}

	switch sink.Format {
	case "line":
		if console {
			dst = colorLineWriter{dst: dst}
		}
		return slog.NewTextHandler(dst, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("%s sink: unsupported format %q", name, sink.Format)
	}
}

// dropTime strips the top-level timestamp; terminals and collectors add their own.
func dropTime(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 && attr.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return attr
}

// parseLevel accepts slog level names, empty meaning info.
func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	value = strings.TrimSpace(value)
	if value == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
	return level, nil
}

// fanout sends each record to every sink that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes record to every enabled sink; one failing sink does not starve the others.
func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if handler.Enabled(ctx, record.Level) {
			errs = append(errs, handler.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.derive(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (f fanout) derive(fn func(slog.Handler) slog.Handler) fanout {
	next := make(fanout, len(f))
	for i, handler := range f {
		next[i] = fn(handler)
	}
	return next
}

// colorLineWriter tints each console line by its level.
type colorLineWriter struct {
	dst io.Writer
}

func (w colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	var tone string
	switch {
	case strings.Contains(line, "level=DEBUG"):
		tone = ansiGray
	case strings.Contains(line, "level=INFO"):
		tone = ansiBlue
	case strings.Contains(line, "level=WARN"):
		tone = ansiYellow
	case strings.Contains(line, "level=ERROR"):
		tone = ansiRed
	default:
		return w.dst.Write(payload)
	}
	if _, err := io.WriteString(w.dst, tone+strings.TrimSuffix(line, "\n")+ansiReset+"\n"); err != nil {
		return 0, err
	}
	return len(payload), nil
}
