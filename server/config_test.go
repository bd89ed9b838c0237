package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ":8000", cfg.Addr)
	require.Equal(t, 0.5, cfg.TickSleepSec)
	require.Equal(t, 15.0, cfg.HeartbeatSec)
	require.Equal(t, int64(42), cfg.Seed)
	require.Equal(t, 1, cfg.DefaultTrials)
}

func TestLoadConfig_OverlaysFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	raw := "addr: \":9000\"\ntick_sleep_sec: 0.25\nseed: 7\ndefault_trials: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 0.25, cfg.TickSleepSec)
	require.Equal(t, int64(7), cfg.Seed)
	require.Equal(t, 4, cfg.DefaultTrials)
	// Unset keys keep their defaults.
	require.Equal(t, 15.0, cfg.HeartbeatSec)
}

func TestLoadConfig_MissingOrBadFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - ["), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}
