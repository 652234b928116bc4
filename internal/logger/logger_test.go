package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"gridvault-bot/internal/models"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	l := New(models.LogConfig{Level: "warn", Output: "file", File: path, MaxSize: 1})

	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l.Warn("price unavailable")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "price unavailable")
	assert.Contains(t, string(data), "WARN")
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	l := New(models.LogConfig{Level: "loud", Output: "console"})
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestInitLogger_ReplacesGlobal(t *testing.T) {
	assert.NotNil(t, L())
	l := InitLogger(models.LogConfig{Level: "debug", Output: "console"})
	assert.Same(t, l, L())
	assert.True(t, S().Desugar().Core().Enabled(zapcore.DebugLevel))
}
