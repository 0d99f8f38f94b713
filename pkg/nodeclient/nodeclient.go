// Package nodeclient is the coordinator's HTTP client to the storage-node
// API (spec.md §6) and the node-to-node copy primitive (spec.md §4.7). It
// generalizes warren's pkg/health.HTTPChecker (context-aware *http.Client,
// per-call timeout) into a typed client over several endpoints instead of a
// single boolean health probe.
package nodeclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/types"
)

// HealthResponse is a storage node's reply to GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	NodeID         string `json:"node_id"`
	AvailableSpace int64  `json:"available_space"`
	FileCount      int    `json:"file_count"`
}

// UploadResponse is a storage node's reply to POST /upload/{file_id}.
type UploadResponse struct {
	Status   string `json:"status"`
	FileID   string `json:"file_id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// VerifyResponse is a storage node's reply to GET /verify/{file_id}.
type VerifyResponse struct {
	FileID   string `json:"file_id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	Exists   bool   `json:"exists"`
}

// Client calls the storage-node HTTP API. One Client is shared across the
// engine's loops; it carries no per-node state.
type Client struct {
	http *http.Client
}

// New creates a node client. timeout bounds every single call; the copy
// primitive applies it independently to its download and upload legs
// (spec.md §4.7 gives each a 60s budget).
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Health calls GET {address}/health.
func (c *Client) Health(ctx context.Context, address string) (HealthResponse, error) {
	var out HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+"/health", nil)
	if err != nil {
		return out, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: health returned %d", types.ErrTransport, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode health response: %w", err)
	}
	return out, nil
}

// Verify calls GET {address}/verify/{file_id}.
func (c *Client) Verify(ctx context.Context, address, fileID string) (VerifyResponse, error) {
	var out VerifyResponse
	url := fmt.Sprintf("%s/verify/%s", address, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, fmt.Errorf("build verify request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return out, fmt.Errorf("%w: replica missing on node", types.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: verify returned %d", types.ErrTransport, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode verify response: %w", err)
	}
	return out, nil
}

// Download calls GET {address}/download/{file_id} and reads the full body.
// Blobs are assumed small (spec.md §5 "Memory").
func (c *Client) Download(ctx context.Context, address, fileID string) ([]byte, error) {
	url := fmt.Sprintf("%s/download/%s", address, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download returned %d", types.ErrTransport, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	return data, nil
}

// Upload calls POST {address}/upload/{file_id} with data as a multipart
// "file" field. Must be idempotent under the same file_id on the node side;
// the client makes no retry of its own.
func (c *Client) Upload(ctx context.Context, address, fileID string, data []byte) (UploadResponse, error) {
	var out UploadResponse

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileID)
	if err != nil {
		return out, fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return out, fmt.Errorf("write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return out, fmt.Errorf("close multipart writer: %w", err)
	}

	url := fmt.Sprintf("%s/upload/%s", address, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return out, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: upload returned %d", types.ErrTransport, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

// Delete calls DELETE {address}/delete/{file_id}. A 404 is tolerated
// (spec.md §6).
func (c *Client) Delete(ctx context.Context, address, fileID string) error {
	url := fmt.Sprintf("%s/delete/%s", address, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: delete returned %d", types.ErrTransport, resp.StatusCode)
	}
	return nil
}

// Copy executes the copy primitive (spec.md §4.7): download fileID from
// sourceAddress, then upload it to targetAddress under the same id. The
// coordinator does not retry within a single copy; failures are reported to
// the caller to decide.
func (c *Client) Copy(ctx context.Context, fileID, sourceAddress, targetAddress string) error {
	timer := metrics.NewTimer()
	outcome := "success"
	defer func() { timer.ObserveDurationVec(metrics.CopyDuration, outcome) }()

	data, err := c.Download(ctx, sourceAddress, fileID)
	if err != nil {
		outcome = "download_failed"
		return fmt.Errorf("copy: download from %s: %w", sourceAddress, err)
	}

	if _, err := c.Upload(ctx, targetAddress, fileID, data); err != nil {
		outcome = "upload_failed"
		return fmt.Errorf("copy: upload to %s: %w", targetAddress, err)
	}
	return nil
}

// ChecksumMatches reports whether the SHA-256 of data, hex-encoded, equals
// want. Disaster recovery calls it on bytes already downloaded from an
// inactive replica before restoring from them (spec.md §4.6.1).
func ChecksumMatches(data []byte, want string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == want
}
