package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("queue-manager", cfg)
	require.NoError(t, err)

	logger.Info("scan complete", slog.Int("images", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "queue-manager", rec["service"])
	assert.Equal(t, "scan complete", rec["msg"])
	assert.EqualValues(t, 3, rec["images"])
}

func TestWithCorrelationIDIsLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("upload-engine", cfg)
	require.NoError(t, err)

	ctx := WithCorrelationID(context.Background(), "fixed-id")
	logger.InfoContext(ctx, "gallery started")

	require.True(t, strings.Contains(buf.String(), "fixed-id"))
}

func TestWithGalleryPathIsLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("upload-engine", cfg)
	require.NoError(t, err)

	ctx := WithGalleryPath(context.Background(), "/galleries/alpha")
	logger.InfoContext(ctx, "upload started")

	assert.Contains(t, buf.String(), "/galleries/alpha")
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = slog.LevelInfo

	logger, err := New("rename-worker", cfg)
	require.NoError(t, err)

	logger.Debug("should not appear")
	assert.Empty(t, buf.String())

	logger.SetLevel(slog.LevelDebug)
	logger.Debug("should appear")
	assert.Contains(t, buf.String(), "should appear")
}
