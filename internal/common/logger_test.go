package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLoggerWritesRotatingFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "logs", "shell.log")

	require.NoError(t, InitLogger(LogConfig{Level: "info", File: path}))
	t.Cleanup(func() { logger = nil })

	ComponentLogger("shell").Info("Entry point started", zap.Int("pid", 42))
	ComponentLogger("shell").Debug("filtered out")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Entry point started"`)
	assert.Contains(t, string(data), `"component":"shell"`)
	assert.NotContains(t, string(data), "filtered out")
}

func TestGetLoggerDefaults(t *testing.T) {
	logger = nil
	assert.NotNil(t, GetLogger())
}

func TestNewRotatingWriterDefaults(t *testing.T) {
	w := NewRotatingWriter("entrypoint.log", 0, 0)
	assert.Equal(t, 100, w.MaxSize)
	assert.Equal(t, 3, w.MaxBackups)
	assert.True(t, w.Compress)
}
