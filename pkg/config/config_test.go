package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()
	assert.Equal(t, TransportP2P, c.Transport)
	assert.Equal(t, 3*time.Second, c.GatheringTimeout.D())
	assert.Equal(t, 2, c.MaxRetries)
	assert.Equal(t, time.Second, c.RetryBase.D())
	assert.Equal(t, 500*time.Millisecond, c.ConnectingRetryDelay.D())
	assert.Equal(t, 100*time.Millisecond, c.ClosingRetryDelay.D())
	assert.Equal(t, 100, c.QueueLimit)
	assert.Equal(t, 10*time.Second, c.HealthCheckInterval.D())
	assert.Equal(t, 10*time.Second, c.GatewayReapInterval.D())
	assert.Equal(t, "fail-closed", c.KeyRotationPolicy)
	require.NoError(t, c.Validate())
}

func TestLoadConfigFlagsOverrideJSON(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"display_name":      "Alice",
		"transport":         "memory",
		"queue_limit":       5,
		"gathering_timeout": "1500ms",
		"retry_base":        int64(2 * time.Second),
	})

	cfg, err := LoadConfig([]string{"-config", path, "-queue-limit", "7", "-listen", "/ip4/127.0.0.1/tcp/0, /ip6/::1/tcp/0"})
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "Alice", cfg.DisplayName)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, 7, cfg.QueueLimit)
	assert.Equal(t, 1500*time.Millisecond, cfg.GatheringTimeout.D())
	assert.Equal(t, 2*time.Second, cfg.RetryBase.D())
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/0", "/ip6/::1/tcp/0"}, cfg.ListenAddrs)
	assert.Equal(t, 100*time.Millisecond, cfg.ClosingRetryDelay.D(), "unset keys keep defaults")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)

	_, err = LoadConfig([]string{"-transport", "carrier-pigeon"})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = LoadConfig([]string{"-rotation", "sometimes"})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = LoadConfig([]string{"-queue-limit", "0"})
	require.ErrorIs(t, err, ErrInvalid)

	bad := writeTempJSON(t, map[string]any{"gathering_timeout": "soon"})
	_, err = LoadConfig([]string{"-c=" + bad})
	require.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, `"1.5s"`, string(b))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
	require.Equal(t, 250*time.Millisecond, d.D())
	require.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func writeEnvFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hushlink.env")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	return path
}

func TestLoadConfigEnvLayer(t *testing.T) {
	path := writeEnvFile(t, "HUSHLINK_NAME=FromFile\nHUSHLINK_TRANSPORT=memory\nHUSHLINK_HISTORY=true\nHUSHLINK_LISTEN=/ip4/127.0.0.1/tcp/4001\n")
	t.Setenv("HUSHLINK_NAME", "FromProcess")

	cfg, err := LoadConfig([]string{"-env", path})
	require.NoError(t, err)
	assert.Equal(t, "FromProcess", cfg.DisplayName, "process environment wins over the file")
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.True(t, cfg.History)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, cfg.ListenAddrs)

	cfg, err = LoadConfig([]string{"-env=" + path, "-transport", "webrtc"})
	require.NoError(t, err)
	assert.Equal(t, TransportWebRTC, cfg.Transport, "flags win over the environment")
}

func TestLoadConfigEnvErrors(t *testing.T) {
	cfg, err := LoadConfig([]string{"-env", filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err, "a missing env file is ignored")
	assert.Equal(t, TransportP2P, cfg.Transport)

	path := writeEnvFile(t, "HUSHLINK_SECURE=maybe\n")
	_, err = LoadConfig([]string{"-env", path})
	require.ErrorIs(t, err, ErrInvalid)
}
