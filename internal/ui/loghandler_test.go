package ui_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sdsync/internal/ui"
)

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func (f failingHandler) WithGroup(string) slog.Handler { return f }

func TestMultiHandlerStderrAndLogFile(t *testing.T) {
	var stderr, logFile bytes.Buffer
	text := slog.NewTextHandler(&stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	jsonH := slog.NewJSONHandler(&logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(ui.NewMultiHandler(text, jsonH)).With("component", "reconcile")

	logger.Debug("sdsync.event", "type", "download-completed", "path", "/albumB.zip")
	logger.Warn("retire failed", "path", "/stuck.mp3")

	assert.NotContains(t, stderr.String(), "sdsync.event")
	assert.Contains(t, stderr.String(), "retire failed")
	assert.Contains(t, stderr.String(), "component=reconcile")

	dec := json.NewDecoder(&logFile)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "/albumB.zip", first["path"])
	assert.Equal(t, "reconcile", first["component"])
	assert.Equal(t, "WARN", second["level"])
}

func TestMultiHandlerEnabled(t *testing.T) {
	warn := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	info := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo})
	m := ui.NewMultiHandler(warn, info)

	ctx := context.Background()
	assert.False(t, m.Enabled(ctx, slog.LevelDebug))
	assert.True(t, m.Enabled(ctx, slog.LevelInfo))
	assert.False(t, ui.NewMultiHandler().Enabled(ctx, slog.LevelError))
}

func TestMultiHandlerGroupAndErrors(t *testing.T) {
	var buf bytes.Buffer
	jsonH := slog.NewJSONHandler(&buf, nil)
	bad := failingHandler{slog.NewTextHandler(&bytes.Buffer{}, nil)}
	m := ui.NewMultiHandler(jsonH, bad)

	grouped := m.WithGroup("nbd")
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "request", 0)
	r.AddAttrs(slog.String("cmd", "read"))
	err := grouped.Handle(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	group, ok := rec["nbd"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "read", group["cmd"])
}
