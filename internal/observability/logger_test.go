package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("production writes json at info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&buf, "production", "")

		logger.Debug("hidden")
		logger.Info("shown", slog.String("code", "abc123"))

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "shown", line["msg"])
		assert.Equal(t, "abc123", line["code"])
		assert.Equal(t, "production", line["env"])
	})

	t.Run("explicit level overrides default", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&buf, "development", "warn")

		assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	})

	t.Run("unknown level falls back", func(t *testing.T) {
		assert.Equal(t, slog.LevelDebug, parseLevel("loud", slog.LevelDebug))
		assert.Equal(t, slog.LevelError, parseLevel("ERROR", slog.LevelDebug))
	})
}
