package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livegate/livegate/internal/config"
)

func TestNewLogger_FileOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LoggingConfig{
		Level:   "info",
		Format:  "json",
		Dir:     dir,
		Console: config.ConsoleConfig{Enabled: false, Level: "info", Format: "text"},
		File:    config.FileConfig{Enabled: true, Level: "info", Format: "json"},
	}
	cfg.ApplyDefaults()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("hello", "k", "v")
	logger.Warn("trouble", "k", "v")
	require.NoError(t, Shutdown())

	main, err := os.ReadFile(filepath.Join(dir, "livegate.log"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "hello")
	assert.Contains(t, string(main), "trouble")

	// Only warn and above reach the error file.
	errs, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "hello")
	assert.Contains(t, string(errs), "trouble")
}

func TestNewLogger_AllDisabled(t *testing.T) {
	cfg := config.LoggingConfig{
		Level:   "info",
		Format:  "text",
		Dir:     t.TempDir(),
		Console: config.ConsoleConfig{Enabled: false, Level: "info", Format: "text"},
		File:    config.FileConfig{Enabled: false, Level: "info", Format: "text"},
	}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	// Discard logger still accepts records.
	logger.Info("dropped")
}

func TestMultiHandler(t *testing.T) {
	var first, second bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&first, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&second, &slog.HandlerOptions{Level: slog.LevelError}),
	)

	ctx := context.Background()
	assert.True(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
	assert.False(t, h.Enabled(ctx, slog.LevelDebug))

	logger := slog.New(h)
	logger.Info("routine")
	logger.Error("broken")

	assert.Contains(t, first.String(), "routine")
	assert.Contains(t, first.String(), "broken")
	assert.NotContains(t, second.String(), "routine")
	assert.Contains(t, second.String(), "broken")
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(slog.NewTextHandler(&buf, nil))

	logger := slog.New(h).With("component", "dispatcher")
	logger.Info("started")

	assert.Contains(t, buf.String(), "component=dispatcher")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := NewLevelFilter(inner, slog.LevelWarn)

	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))

	logger := slog.New(h)
	logger.Debug("noise")
	logger.Info("routine")
	logger.Warn("trouble")
	logger.Error("broken")

	out := buf.String()
	assert.NotContains(t, out, "noise")
	assert.NotContains(t, out, "routine")
	assert.Contains(t, out, "trouble")
	assert.Contains(t, out, "broken")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("unknown"))
}
