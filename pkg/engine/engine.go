// Package engine wires the availability engine's subsystems together: the
// metadata store, node-liveness checker, placement policy, replication
// controller, integrity verifier, and recovery queue. It follows warren's
// pkg/manager.Manager constructor/Shutdown shape (own every subsystem, fan
// out Start, fan in Stop) with the Raft/TLS/DNS/ingress machinery that
// doesn't apply to a single coordinator process removed.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftfs/driftfs/pkg/config"
	"github.com/driftfs/driftfs/pkg/integrity"
	"github.com/driftfs/driftfs/pkg/liveness"
	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/nodeclient"
	"github.com/driftfs/driftfs/pkg/placement"
	"github.com/driftfs/driftfs/pkg/recovery"
	"github.com/driftfs/driftfs/pkg/replication"
	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
)

// Engine owns every background subsystem and the upload/download surface
// that glues them to the coordinator API.
type Engine struct {
	cfg config.Config

	Store       storage.Store
	Client      *nodeclient.Client
	Placement   *placement.Policy
	Liveness    *liveness.Checker
	Recovery    *recovery.Queue
	Replication *replication.Controller
	Integrity   *integrity.Verifier
}

// New creates an engine from cfg: opens the metadata store and wires every
// subsystem against it, but does not start any background loop (call
// Start for that).
func New(cfg config.Config) (*Engine, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	client := nodeclient.New(cfg.CopyTimeout)
	pp := placement.New(store, cfg.HeartbeatTimeout)
	liv := liveness.New(store, cfg.HeartbeatTimeout)

	rq := recovery.New(store, client, pp, recovery.Config{
		MinReplicas:     cfg.MinReplicas,
		MaxAttempts:     cfg.MaxAttempts,
		MaxConcurrent:   cfg.MaxConcurrent,
		RetryDelay:      cfg.RetryDelay,
		CopyTimeout:     cfg.CopyTimeout,
		DisasterTimeout: cfg.DisasterTimeout,
		HistoryCap:      cfg.HistoryCap,
	})

	rc := replication.New(store, client, pp, rq, cfg.MinReplicas)
	iv := integrity.New(store, client, rq)

	return &Engine{
		cfg:         cfg,
		Store:       store,
		Client:      client,
		Placement:   pp,
		Liveness:    liv,
		Recovery:    rq,
		Replication: rc,
		Integrity:   iv,
	}, nil
}

// Start launches every background loop (spec.md §5: NL, RC, IV, and the
// three RQ loops, each ticking independently) and registers this engine's
// live health checks so /health and /ready reflect real subsystem state
// instead of a snapshot taken once at startup.
func (e *Engine) Start() {
	metrics.RegisterCheck("storage", e.storageHealthy)
	metrics.RegisterCheck("liveness", e.Liveness.Healthy)
	metrics.RegisterCheck("recovery", e.Recovery.Healthy)

	e.Liveness.Start(e.cfg.NLTick)
	e.Replication.Start(e.cfg.RCTick)
	e.Integrity.Start(e.cfg.IVTick)
	e.Recovery.Start(e.cfg.RQMainTick, e.cfg.RQPriorityTick, e.cfg.RQProactiveTick)
	log.WithComponent("engine").Info().Msg("availability engine started")
}

// storageHealthy backs the "storage" health check: a live round trip
// against the metadata store rather than a boolean set once at startup.
func (e *Engine) storageHealthy() (bool, string) {
	if _, err := e.Store.GetStats(); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Shutdown signals every loop to stop at its next tick boundary and closes
// the metadata store. There is a single shutdown signal for the whole
// engine (spec.md §5 "Cancellation and timeouts").
func (e *Engine) Shutdown() error {
	e.Liveness.Stop()
	e.Replication.Stop()
	e.Integrity.Stop()
	e.Recovery.Stop()

	if err := e.Store.Close(); err != nil {
		return fmt.Errorf("close metadata store: %w", err)
	}
	log.WithComponent("engine").Info().Msg("availability engine stopped")
	return nil
}

// UploadNode is one target a client should upload a replica to.
type UploadNode struct {
	NodeID    string
	UploadURL string
}

// RequestUpload places a new file's replicas via PP and registers pending
// Replica rows, without touching the node over the network: clients
// upload directly to each returned node (spec.md §6 /api/upload/request).
func (e *Engine) RequestUpload(filename string, fileSize int64, replicationFactor int) (types.File, []UploadNode, error) {
	if replicationFactor <= 0 {
		replicationFactor = e.cfg.MinReplicas
	}

	targets, err := e.Placement.SelectTargets(replicationFactor, nil)
	if err != nil {
		return types.File{}, nil, err
	}

	file := types.File{
		ID:                uuid.New().String(),
		Filename:          filename,
		Size:              fileSize,
		ReplicationFactor: replicationFactor,
		CreatedAt:         time.Now(),
	}
	if err := e.Store.CreateFile(&file); err != nil {
		return types.File{}, nil, fmt.Errorf("create file: %w", err)
	}

	nodes := make([]UploadNode, 0, len(targets))
	for _, target := range targets {
		if err := e.Store.AddReplica(file.ID, target.ID, target.Address, types.ReplicaStatusPending); err != nil {
			return types.File{}, nil, fmt.Errorf("add pending replica: %w", err)
		}
		nodes = append(nodes, UploadNode{
			NodeID:    target.ID,
			UploadURL: fmt.Sprintf("%s/upload/%s", target.Address, file.ID),
		})
	}

	return file, nodes, nil
}

// ConfirmUpload flips one replica to active and sets the file's checksum
// if it isn't set yet (spec.md §6 /api/upload/confirm).
func (e *Engine) ConfirmUpload(fileID, nodeID, checksum string) error {
	if err := e.Store.UpdateReplicaStatus(fileID, nodeID, types.ReplicaStatusActive); err != nil {
		return fmt.Errorf("activate replica: %w", err)
	}
	if err := e.Store.UpdateFileChecksum(fileID, checksum); err != nil {
		return fmt.Errorf("set file checksum: %w", err)
	}
	return nil
}

// DownloadInfo is the client-facing answer to a download request.
type DownloadInfo struct {
	Filename     string
	FileSize     int64
	Checksum     string
	DownloadURLs []string
}

// RequestDownload resolves a file to its currently active replica
// addresses (spec.md §6 /api/download/{file_id}). Returns ErrNotFound if
// the file is unknown, ErrNotEnoughNodes if it has no active replica to
// serve from (both map to an HTTP error at the API layer).
func (e *Engine) RequestDownload(fileID string) (DownloadInfo, error) {
	fwr, err := e.Store.GetFile(fileID)
	if err != nil {
		return DownloadInfo{}, err
	}

	urls := make([]string, 0, len(fwr.Replicas))
	for _, r := range fwr.Replicas {
		if r.Status != types.ReplicaStatusActive {
			continue
		}
		urls = append(urls, fmt.Sprintf("%s/download/%s", r.Address, fileID))
	}
	if len(urls) == 0 {
		return DownloadInfo{}, fmt.Errorf("file %s: %w", fileID, types.ErrNotEnoughNodes)
	}

	return DownloadInfo{
		Filename:     fwr.File.Filename,
		FileSize:     fwr.File.Size,
		Checksum:     fwr.File.Checksum,
		DownloadURLs: urls,
	}, nil
}

// RegisterNode registers or re-registers a storage node (spec.md §6
// /api/nodes/register).
func (e *Engine) RegisterNode(nodeID, address string) error {
	return e.Store.RegisterNode(nodeID, address)
}

// Heartbeat records a storage node's liveness report (spec.md §6
// /api/nodes/heartbeat). known is false if the node was never registered.
func (e *Engine) Heartbeat(nodeID string, availableSpace int64, fileCount int) (known bool, err error) {
	return e.Store.UpdateNodeHeartbeat(nodeID, availableSpace, fileCount)
}

// SystemStatus is the engine-wide snapshot for /api/system/status.
type SystemStatus struct {
	Stats         types.Stats
	RecoveryStats recovery.Stats
}

// Status combines the metadata store's aggregate stats with the recovery
// queue's running stats (spec.md §6 /api/system/status).
func (e *Engine) Status() (SystemStatus, error) {
	stats, err := e.Store.GetStats()
	if err != nil {
		return SystemStatus{}, err
	}
	return SystemStatus{
		Stats:         stats,
		RecoveryStats: e.Recovery.Stats(),
	}, nil
}
