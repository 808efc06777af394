package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// Setup initializes the global logger. Level defaults to INFO when the
// given string is not recognised; format is "json" or "text" (default json).
func Setup(level, format string) {
	mu.Lock()
	defer mu.Unlock()
	logger = build(os.Stdout, level, format)
	slog.SetDefault(logger)
}

// SetOutput redirects the global logger, primarily for tests.
func SetOutput(w io.Writer, level, format string) {
	mu.Lock()
	defer mu.Unlock()
	logger = build(w, level, format)
	slog.SetDefault(logger)
}

func build(w io.Writer, level, format string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: l}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Get returns the configured logger, initialising defaults if Setup was
// never called.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = build(os.Stdout, "INFO", "json")
		slog.SetDefault(logger)
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithTarget returns a logger with the watch target name set.
func WithTarget(name string) *slog.Logger {
	return Get().With(slog.String("target", name))
}

// WithDispatch returns a logger with the dispatch id set.
func WithDispatch(id string) *slog.Logger {
	return Get().With(slog.String("dispatch_id", id))
}
