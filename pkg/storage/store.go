package storage

import (
	"time"

	"github.com/driftfs/driftfs/pkg/types"
)

// Store defines the metadata store contract (spec.md §4.1): the sole
// serializer of concurrent mutations to files, replicas, nodes, and upload
// history. Implementations must serialize writes and never expose a
// partially applied multi-row mutation to a reader.
type Store interface {
	// Files

	// CreateFile inserts a File and its UploadHistory row in one transaction.
	CreateFile(file *types.File) error
	// GetFile returns a File joined with its current Replica set, or
	// types.ErrNotFound.
	GetFile(id string) (*types.FileWithReplicas, error)
	// ListFiles returns a page of files with aggregate replica counts,
	// ordered by CreatedAt descending.
	ListFiles(limit, offset int) ([]types.FileSummary, error)
	// UpdateFileChecksum is idempotent: it never overwrites an existing
	// non-empty checksum.
	UpdateFileChecksum(id, checksum string) error
	// DeleteFile removes the File and cascades its Replicas.
	DeleteFile(id string) error

	// Replicas

	// AddReplica inserts a Replica. If (file_id, node_id) already exists
	// this is a no-op, so retried upload confirmations are safe.
	AddReplica(fileID, nodeID, address string, status types.ReplicaStatus) error
	// UpdateReplicaStatus also stamps LastVerified when the new status is
	// active or corrupted.
	UpdateReplicaStatus(fileID, nodeID string, status types.ReplicaStatus) error
	GetReplicas(fileID string) ([]types.Replica, error)
	// GetReplicasByNode scans the replica table for the given node. The
	// Replica table remains the source of truth; no reverse index is
	// maintained (spec.md §9).
	GetReplicasByNode(nodeID string) ([]types.Replica, error)

	// Nodes

	// RegisterNode upserts a node, resetting its status to active and
	// stamping the heartbeat.
	RegisterNode(nodeID, address string) error
	// UpdateNodeHeartbeat updates AvailableSpace/FileCount, sets the node
	// active, and reports whether the node was already known.
	UpdateNodeHeartbeat(nodeID string, availableSpace int64, fileCount int) (known bool, err error)
	// GetActiveNodes returns nodes whose LastHeartbeat is within timeout.
	// As a side effect it may inactivate nodes it finds stale, so a
	// first read after a missed heartbeat never returns a ghost node
	// (spec.md §4.2).
	GetActiveNodes(timeout time.Duration) ([]types.Node, error)
	MarkNodeInactive(nodeID string) error
	GetNode(nodeID string) (*types.Node, error)

	// Introspection

	GetStats() (types.Stats, error)
	GetUploadHistory(limit int) ([]types.UploadHistoryEntry, error)

	// Recovery history snapshot

	// SaveRecoveryHistory overwrites the persisted recovery ring buffer so a
	// restart does not lose the last H_max attempts (SPEC_FULL §2).
	SaveRecoveryHistory(entries []types.RecoveryHistoryEntry) error
	LoadRecoveryHistory() ([]types.RecoveryHistoryEntry, error)

	Close() error
}
