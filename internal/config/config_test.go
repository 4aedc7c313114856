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
	path := filepath.Join(t.TempDir(), "saga.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, time.Second, time.Duration(cfg.Relay.Interval))
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"
format = "json"

[sqlite]
path = "/var/lib/saga/saga.db"

[relay]
interval = "250ms"
batch_size = 10
max_attempts = 3

[sagas]
cleanup_after = "15m"

[telemetry]
endpoint = "localhost:4318"
insecure = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/saga/saga.db", cfg.SQLite.Path)
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Relay.Interval))
	assert.Equal(t, 10, cfg.Relay.BatchSize)
	assert.Equal(t, 3, cfg.Relay.MaxAttempts)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Relay.LeaseTTL), "unset keys keep defaults")
	assert.Equal(t, 15*time.Minute, time.Duration(cfg.Sagas.CleanupAfter))
	assert.Equal(t, "localhost:4318", cfg.Telemetry.Endpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "sagactl", cfg.Telemetry.ServiceName)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[relay]
batch_size = 10
`)
	t.Setenv("SAGA_RELAY_BATCH_SIZE", "99")
	t.Setenv("SAGA_RELAY_INTERVAL", "2s")
	t.Setenv("SAGA_LOG_LEVEL", "warn")
	t.Setenv("SAGA_SQLITE_PATH", "env.db")
	t.Setenv("SAGA_METRICS_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 99, cfg.Relay.BatchSize)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Relay.Interval))
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "env.db", cfg.SQLite.Path)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown key", body: "[relay]\nspeed = 3\n"},
		{name: "bad duration", body: "[relay]\ninterval = \"soon\"\n"},
		{name: "bad format", body: "[log]\nformat = \"xml\"\n"},
		{name: "zero batch", body: "[relay]\nbatch_size = 0\n"},
		{name: "bad env int", env: map[string]string{"SAGA_RELAY_MAX_ATTEMPTS": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestValidateJoinsProblems(t *testing.T) {
	cfg := Default()
	cfg.SQLite.Path = ""
	cfg.Relay.MaxAttempts = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "sqlite path is required")
	assert.Contains(t, err.Error(), "max attempts")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
