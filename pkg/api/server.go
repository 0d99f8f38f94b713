// Package api is the coordinator's thin HTTP adapter (spec.md §1, §6): it
// decodes requests, calls into pkg/engine for every operation, and encodes
// the result as JSON. It carries no business logic of its own — every
// decision (placement, retry, error classification) already lives in the
// engine and its subsystems. Routing follows warren's pattern of mounting
// plain handlers on a stdlib *http.ServeMux (cmd/warren/main.go's
// http.Handle calls for /metrics, /health, /ready, /live) rather than
// warren's own pkg/api, which is a gRPC+mTLS control plane this spec never
// asked for.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/driftfs/driftfs/pkg/engine"
	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/rs/zerolog"
)

// Server mounts the coordinator's HTTP surface over an *engine.Engine.
type Server struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// New creates an API server over eng.
func New(eng *engine.Engine) *Server {
	return &Server{engine: eng, logger: log.WithComponent("api")}
}

// Handler builds the full mux: the spec.md §6 coordinator surface plus
// /metrics, /health, /ready, and /live.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/nodes/register", s.handleRegisterNode)
	mux.HandleFunc("POST /api/nodes/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/upload/request", s.handleUploadRequest)
	mux.HandleFunc("POST /api/upload/confirm", s.handleUploadConfirm)
	mux.HandleFunc("GET /api/download/{file_id}", s.handleDownload)
	mux.HandleFunc("POST /api/replication/force", s.handleReplicationForce)
	mux.HandleFunc("POST /api/replication/verify", s.handleReplicationVerify)
	mux.HandleFunc("POST /api/recovery/force/{file_id}", s.handleRecoveryForce)
	mux.HandleFunc("GET /api/recovery/queue", s.handleRecoveryQueue)
	mux.HandleFunc("GET /api/recovery/history", s.handleRecoveryHistory)
	mux.HandleFunc("GET /api/recovery/stats", s.handleRecoveryStats)
	mux.HandleFunc("GET /api/system/status", s.handleSystemStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	return mux
}

// writeJSON encodes v as the response body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps an engine error to an HTTP status per spec.md §7's
// propagation policy: ErrNotFound -> 404, ErrNotEnoughNodes -> 503,
// anything else -> 500.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNotEnoughNodes):
		status = http.StatusServiceUnavailable
	default:
		logger.Error().Err(err).Msg("unhandled api error")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type registerNodeRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.engine.RegisterNode(req.NodeID, req.Address); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type heartbeatRequest struct {
	NodeID         string `json:"node_id"`
	AvailableSpace int64  `json:"available_space"`
	FileCount      int    `json:"file_count"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	known, err := s.engine.Heartbeat(req.NodeID, req.AvailableSpace, req.FileCount)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !known {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown node"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequestBody struct {
	Filename          string `json:"filename"`
	FileSize          int64  `json:"file_size"`
	ReplicationFactor int    `json:"replication_factor"`
}

type uploadNodeResponse struct {
	NodeID    string `json:"node_id"`
	UploadURL string `json:"upload_url"`
}

type uploadRequestResponse struct {
	FileID      string               `json:"file_id"`
	UploadNodes []uploadNodeResponse `json:"upload_nodes"`
}

func (s *Server) handleUploadRequest(w http.ResponseWriter, r *http.Request) {
	var req uploadRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	file, nodes, err := s.engine.RequestUpload(req.Filename, req.FileSize, req.ReplicationFactor)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := uploadRequestResponse{FileID: file.ID, UploadNodes: make([]uploadNodeResponse, len(nodes))}
	for i, n := range nodes {
		resp.UploadNodes[i] = uploadNodeResponse{NodeID: n.NodeID, UploadURL: n.UploadURL}
	}
	writeJSON(w, http.StatusOK, resp)
}

type uploadConfirmRequest struct {
	FileID   string `json:"file_id"`
	NodeID   string `json:"node_id"`
	Checksum string `json:"checksum"`
}

func (s *Server) handleUploadConfirm(w http.ResponseWriter, r *http.Request) {
	var req uploadConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.engine.ConfirmUpload(req.FileID, req.NodeID, req.Checksum); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

type downloadResponse struct {
	Filename     string   `json:"filename"`
	FileSize     int64    `json:"file_size"`
	Checksum     string   `json:"checksum"`
	DownloadURLs []string `json:"download_urls"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file_id")
	info, err := s.engine.RequestDownload(fileID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{
		Filename:     info.Filename,
		FileSize:     info.FileSize,
		Checksum:     info.Checksum,
		DownloadURLs: info.DownloadURLs,
	})
}

func (s *Server) handleReplicationForce(w http.ResponseWriter, r *http.Request) {
	s.engine.Replication.Force()
	writeJSON(w, http.StatusOK, map[string]string{"status": "scan triggered"})
}

func (s *Server) handleReplicationVerify(w http.ResponseWriter, r *http.Request) {
	s.engine.Integrity.Force()
	writeJSON(w, http.StatusOK, map[string]string{"status": "verification triggered"})
}

func (s *Server) handleRecoveryForce(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file_id")
	ok, err := s.engine.Recovery.ForceRecovery(fileID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": ok})
}

func (s *Server) handleRecoveryQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Recovery.Queued())
}

func (s *Server) handleRecoveryHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Recovery.History(limit))
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Recovery.Stats())
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStats serves just the metadata store's aggregate counters, the
// same Stats value embedded in /api/system/status, for callers that don't
// need the recovery-queue half of that payload.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Store.GetStats()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
