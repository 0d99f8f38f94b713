package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftfs/driftfs/pkg/config"
	"github.com/driftfs/driftfs/pkg/engine"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.HeartbeatTimeout = time.Hour

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown() })

	srv := httptest.NewServer(New(eng).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRegisterAndHeartbeat(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/nodes/register", registerNodeRequest{NodeID: "n1", Address: "http://n1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/nodes/heartbeat", heartbeatRequest{NodeID: "n1", AvailableSpace: 100, FileCount: 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/nodes/heartbeat", heartbeatRequest{NodeID: "ghost"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadRequestReturns503WithoutEnoughNodes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/upload/request", uploadRequestBody{Filename: "a.bin", FileSize: 10, ReplicationFactor: 2})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadConfirmAndDownloadRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, id := range []string{"n1", "n2"} {
		resp := postJSON(t, srv.URL+"/api/nodes/register", registerNodeRequest{NodeID: id, Address: "http://" + id})
		resp.Body.Close()
		resp = postJSON(t, srv.URL+"/api/nodes/heartbeat", heartbeatRequest{NodeID: id, AvailableSpace: 1000})
		resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/api/upload/request", uploadRequestBody{Filename: "a.bin", FileSize: 10, ReplicationFactor: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var uploadResp uploadRequestResponse
	decodeBody(t, resp, &uploadResp)
	require.Len(t, uploadResp.UploadNodes, 2)

	resp, err := http.Get(srv.URL + "/api/download/" + uploadResp.FileID)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	for _, n := range uploadResp.UploadNodes {
		resp := postJSON(t, srv.URL+"/api/upload/confirm", uploadConfirmRequest{FileID: uploadResp.FileID, NodeID: n.NodeID, Checksum: "abc"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err = http.Get(srv.URL + "/api/download/" + uploadResp.FileID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var downloadResp downloadResponse
	decodeBody(t, resp, &downloadResp)
	require.Equal(t, "a.bin", downloadResp.Filename)
	require.Equal(t, "abc", downloadResp.Checksum)
	require.Len(t, downloadResp.DownloadURLs, 2)
}

func TestDownloadUnknownFileIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/download/does-not-exist")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReplicationAndRecoveryTriggerEndpoints(t *testing.T) {
	srv, eng := newTestServer(t)
	require.NoError(t, eng.RegisterNode("n1", "http://n1"))

	resp, err := http.Post(srv.URL+"/api/replication/force", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/replication/verify", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/recovery/queue")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/recovery/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/recovery/history")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRecoveryForceUnknownFileIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/recovery/force/does-not-exist", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSystemStatusAndStats(t *testing.T) {
	srv, eng := newTestServer(t)
	require.NoError(t, eng.RegisterNode("n1", "http://n1"))

	resp, err := http.Get(srv.URL + "/api/system/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthMetricsAndLivenessEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}
}
