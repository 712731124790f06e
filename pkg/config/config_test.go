package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bluegreen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "active", cfg.TagKey)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.SettleInterval)
	assert.Equal(t, 5*time.Minute, cfg.SettleBudget)
	assert.Zero(t, cfg.CapacityTimeout)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
pollInterval: 5s
settleBudget: 2m
capacityTimeout: 45m
lock:
  path: /var/lib/bluegreen/leases.db
log:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.SettleBudget)
	assert.Equal(t, 45*time.Minute, cfg.CapacityTimeout)
	assert.Equal(t, "/var/lib/bluegreen/leases.db", cfg.Lock.Path)
	assert.Equal(t, 2*time.Hour, cfg.Lock.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)

	// untouched defaults
	assert.Equal(t, "active", cfg.TagKey)
	assert.Equal(t, []string{"blue", "green"}, cfg.PoolSuffixes)
	assert.Equal(t, 10*time.Second, cfg.SettleInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"same suffixes", "poolSuffixes: [blue, blue]\n"},
		{"three suffixes", "poolSuffixes: [a, b, c]\n"},
		{"negative poll", "pollInterval: -1s\n"},
		{"negative timeout", "capacityTimeout: -5m\n"},
		{"lock without ttl", "lock:\n  path: /tmp/x.db\n  ttl: 0s\n"},
		{"empty tag key", "tagKey: \"\"\n"},
		{"marker equals tag key", "swapMarkerKey: active\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load(writeConfig(t, "pollInterval: [not a duration\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
