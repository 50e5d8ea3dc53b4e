// Package wlog configures wachy's structured logger: a stderr handler
// gated by verbosity, and an optional JSON file sink enabled by WACHY_LOG.
package wlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger
var fileWriter *os.File

// Level is a parsed WACHY_LOG value.
type Level int

const (
	// LevelOff disables file logging entirely (default, or WACHY_LOG unset/"off").
	LevelOff Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel parses a WACHY_LOG environment value into a Level.
// Unrecognized or empty values map to LevelOff.
func ParseLevel(spec string) Level {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	default:
		return LevelOff
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// Options configures the logger.
type Options struct {
	// Verbose enables debug/info output to stderr.
	Verbose bool
	// FileLevel enables JSON logging to wachy.log at the given level.
	// LevelOff disables file logging.
	FileLevel Level
	// LogPath is the file logging destination. Defaults to "wachy.log" in
	// the current working directory when FileLevel != LevelOff.
	LogPath string
	// Stderr is the writer for stderr output (defaults to os.Stderr).
	Stderr io.Writer
}

// Init initializes the global logger with the given options. The returned
// closer must be called (typically via defer) to flush and close any file
// sink; it is a no-op when no file sink was configured.
func Init(opts Options) (closer func(), err error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	stderrLevel := slog.LevelWarn
	if opts.Verbose {
		stderrLevel = slog.LevelDebug
	}

	var handlers []slog.Handler
	handlers = append(handlers, slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: stderrLevel}))

	closer = func() {}
	if opts.FileLevel != LevelOff {
		path := opts.LogPath
		if path == "" {
			path = "wachy.log"
		}
		f, ferr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if ferr != nil {
			return closer, fmt.Errorf("opening %s: %w", path, ferr)
		}
		fileWriter = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.FileLevel.slogLevel()}))
		closer = func() {
			f.Close()
			fileWriter = nil
		}
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger)
	return closer, nil
}

// multiHandler fans out log records to multiple handlers, mirroring the
// stderr+file split wachy needs without pulling in a third-party
// multi-writer logging library.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs an info message.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a logger with additional context.
func With(args ...any) *slog.Logger { return logger.With(args...) }

// SetOutput sets the output writer (for testing).
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func init() {
	logger = slog.Default()
}
