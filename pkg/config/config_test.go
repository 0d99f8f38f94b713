package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, 2, cfg.MinReplicas)
	require.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 45*time.Second, cfg.RQMainTick)
	require.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().MinReplicas, cfg.MinReplicas)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_replicas: 5\nlisten_addr: \":9999\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MinReplicas)
	require.Equal(t, ":9999", cfg.ListenAddr)
}

func TestEnvOverrideWinsOverYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_replicas: 5\n"), 0o644))

	t.Setenv("DRIFTFS_MIN_REPLICAS", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MinReplicas)
}
