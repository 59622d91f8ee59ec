package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtimed.log")

	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("hello", zap.String("k", "v"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.False(t, log.Enabled(zapcore.DebugLevel))
	assert.True(t, log.Enabled(zapcore.InfoLevel))
}

func TestNewLogger_UnwritablePath(t *testing.T) {
	_, err := NewLogger(LoggingConfig{OutputPath: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestWithFields_DoesNotShareBackingArray(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := NewFromZap(zap.New(core)).WithComponent("base")

	a := base.WithFields(zap.String("a", "1"))
	b := base.WithFields(zap.String("b", "2"))
	a.Info("from a")
	b.Info("from b")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].ContextMap()["a"])
	assert.NotContains(t, entries[1].ContextMap(), "a")
	assert.Equal(t, "base", entries[1].ContextMap()["component"])
}

func TestWithContext_RequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewFromZap(zap.New(core))

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	log.WithContext(ctx).Info("handled")
	log.WithContext(context.Background()).Info("plain")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.NotContains(t, entries[1].ContextMap(), "request_id")
}
