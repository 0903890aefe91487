package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "build.log")

	cfg := DefaultFileConfig(logFile)
	cfg.Compress = false
	require.NoError(t, InitWithFileConfig("debug", cfg, false))
	t.Cleanup(func() { Log = zap.NewNop(); Sugar = Log.Sugar() })

	Log.Info("volume built", zap.Int("points", 42))
	Sugar.Debugf("slice %d merged", 3)
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"msg":"volume built"`)
	assert.Contains(t, content, `"points":42`)
	assert.Contains(t, content, "slice 3 merged")
}

func TestLevelFiltering(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "warn.log")

	l, err := New("warn", FileConfig{Path: logFile, MaxSizeMB: 1}, false)
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept")
	_ = l.Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "dropped"))
	assert.True(t, strings.Contains(string(data), "kept"))
}

func TestNoOutputsIsNop(t *testing.T) {
	l, err := New("info", FileConfig{}, false)
	require.NoError(t, err)
	assert.NotNil(t, l)
	assert.NotNil(t, OrNop(nil))
	assert.Same(t, l, OrNop(l))
}
