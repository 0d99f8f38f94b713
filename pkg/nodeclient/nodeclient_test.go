package nodeclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftfs/driftfs/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok", NodeID: "n1", AvailableSpace: 100})
	}))
	defer server.Close()

	c := New(time.Second)
	resp, err := c.Health(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, "n1", resp.NodeID)
}

func TestHealthTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(time.Second)
	_, err := c.Health(context.Background(), server.URL)
	require.ErrorIs(t, err, types.ErrTransport)
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	var stored []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/f1", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		buf := make([]byte, 1024)
		n, _ := file.Read(buf)
		stored = buf[:n]
		_ = json.NewEncoder(w).Encode(UploadResponse{Status: "ok", FileID: "f1", Size: int64(n)})
	})
	mux.HandleFunc("/download/f1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(stored)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(time.Second)
	_, err := c.Upload(context.Background(), server.URL, "f1", []byte("hello"))
	require.NoError(t, err)

	data, err := c.Download(context.Background(), server.URL, "f1")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestDeleteTolerates404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(time.Second)
	err := c.Delete(context.Background(), server.URL, "missing")
	require.NoError(t, err)
}

func TestVerifyReturnsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(time.Second)
	_, err := c.Verify(context.Background(), server.URL, "f1")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestCopyDownloadsThenUploads(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer source.Close()

	var uploaded []byte
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		buf := make([]byte, 1024)
		n, _ := file.Read(buf)
		uploaded = buf[:n]
		_ = json.NewEncoder(w).Encode(UploadResponse{Status: "ok"})
	}))
	defer target.Close()

	c := New(time.Second)
	err := c.Copy(context.Background(), "f1", source.URL, target.URL)
	require.NoError(t, err)
	require.Equal(t, "payload", string(uploaded))
}

func TestChecksumMatches(t *testing.T) {
	data := []byte("hello")
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])

	require.True(t, ChecksumMatches(data, want))
	require.False(t, ChecksumMatches(data, "deadbeef"))
}
