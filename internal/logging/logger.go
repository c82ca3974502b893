// Package logging configures the process-wide slog logger: console and
// rotated file outputs, plus a warn-and-above error file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/livegate/livegate/internal/config"
)

var (
	logFiles   []*lumberjack.Logger
	logFilesMu sync.Mutex
)

// Initialize builds the logger from config and installs it as the slog
// default.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
	)
	return nil
}

// NewLogger creates a logger instance with the given configuration.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		handlers = append(handlers,
			newHandler(os.Stdout, cfg.Console.Format, parseLevel(cfg.Console.Level)))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		mainFile := newRotatedFile(cfg, filepath.Join(cfg.Dir, "livegate.log"))
		handlers = append(handlers,
			newHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)))

		// Warnings and errors also go to a dedicated file.
		errorFile := newRotatedFile(cfg, filepath.Join(cfg.Dir, "errors.log"))
		errorHandler := newHandler(errorFile, cfg.File.Format, slog.LevelWarn)
		handlers = append(handlers, NewLevelFilter(errorHandler, slog.LevelWarn))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(NewMultiHandler(handlers...)), nil
	}
}

// Shutdown closes all rotated log files.
func Shutdown() error {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()

	for _, logFile := range logFiles {
		if err := logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	logFiles = nil
	return nil
}

func newRotatedFile(cfg config.LoggingConfig, path string) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	logFilesMu.Lock()
	logFiles = append(logFiles, f)
	logFilesMu.Unlock()
	return f
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

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
