// Package logging configures the process-wide slog logger with optional
// file rotation.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompSession  = "session"
	CompHistory  = "history"
	CompEngine   = "engine"
	CompDispatch = "dispatch"
	CompGateway  = "gateway"
	CompPersona  = "persona"
	CompStorage  = "storage"
	CompHTTP     = "http"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" or "text" (default)
	Format string

	// Dir enables a rotated personabot.log in this directory when non-empty
	Dir string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool
}

var (
	globalMu    sync.Mutex
	lumberjackW *lumberjack.Logger
)

// Init builds the root logger, installs it as slog's default and returns it.
func Init(cfg Config) *slog.Logger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}

	var out io.Writer = os.Stderr
	if cfg.Dir != "" {
		if lumberjackW != nil {
			_ = lumberjackW.Close()
		}
		lumberjackW = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "personabot.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stderr, lumberjackW)
	}

	logger := slog.New(newHandler(out, cfg))
	slog.SetDefault(logger)
	return logger
}

func newHandler(out io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForComponent returns a child of the default logger tagged with component.
func ForComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Or returns logger, or a component logger when logger is nil.
func Or(logger *slog.Logger, component string) *slog.Logger {
	if logger != nil {
		return logger
	}
	return ForComponent(component)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Shutdown flushes and closes the rotating file, if any.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if lumberjackW != nil {
		_ = lumberjackW.Close()
		lumberjackW = nil
	}
}
