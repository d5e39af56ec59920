package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config := NewConfig()

	assert.NotEmpty(t, config.Session.EncryptionKey)
	assert.Equal(t, 24*time.Hour, config.Session.GetTokenExpiry())
	assert.Equal(t, 2*time.Second, config.Batcher.GetFlushWindow())
	assert.Positive(t, config.Socket.OutgoingQueueSize)
	assert.Positive(t, config.Socket.PingPeriodMs)
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: avid-test
session:
  encryption_key: testkey
  token_expiry_sec: 3600
batcher:
  flush_window_ms: 500
`), 0o644))

	config, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "avid-test", config.Name)
	assert.Equal(t, "testkey", config.Session.EncryptionKey)
	assert.Equal(t, time.Hour, config.Session.GetTokenExpiry())
	assert.Equal(t, 500*time.Millisecond, config.Batcher.GetFlushWindow())
	// Untouched sections keep their defaults.
	assert.Positive(t, config.Socket.OutgoingQueueSize)
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}
