package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	opts := DefaultOptions()
	opts.File = path
	opts.Level = "debug"

	logger := New(opts)
	logger.Debug("peer attached", zap.String("peer", "peer_abc1234"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"peer attached"`)
	require.Contains(t, string(data), `"peer":"peer_abc1234"`)
}

func TestNewFallsBackToInfo(t *testing.T) {
	opts := DefaultOptions()
	opts.Level = "chatty"
	logger := New(opts)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
