package engine

import (
	"testing"
	"time"

	"github.com/driftfs/driftfs/pkg/config"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.HeartbeatTimeout = time.Hour

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestRequestUploadFailsWithoutEnoughNodes(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.RequestUpload("a.bin", 10, 2)
	require.ErrorIs(t, err, types.ErrNotEnoughNodes)
}

func TestUploadConfirmAndDownloadRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.RegisterNode("n1", "http://n1"))
	_, err := e.Heartbeat("n1", 1000, 0)
	require.NoError(t, err)
	require.NoError(t, e.RegisterNode("n2", "http://n2"))
	_, err = e.Heartbeat("n2", 1000, 0)
	require.NoError(t, err)

	file, nodes, err := e.RequestUpload("a.bin", 10, 2)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	_, err = e.RequestDownload(file.ID)
	require.ErrorIs(t, err, types.ErrNotEnoughNodes)

	for _, n := range nodes {
		require.NoError(t, e.ConfirmUpload(file.ID, n.NodeID, "abc123"))
	}

	info, err := e.RequestDownload(file.ID)
	require.NoError(t, err)
	require.Equal(t, "a.bin", info.Filename)
	require.Equal(t, "abc123", info.Checksum)
	require.Len(t, info.DownloadURLs, 2)
}

func TestHeartbeatReportsUnknownNode(t *testing.T) {
	e := newTestEngine(t)

	known, err := e.Heartbeat("ghost", 10, 0)
	require.NoError(t, err)
	require.False(t, known)
}

func TestStatusAggregatesStoreAndRecovery(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterNode("n1", "http://n1"))

	status, err := e.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Stats.TotalNodes)
	require.Zero(t, status.RecoveryStats.PendingRecoveries)
}
