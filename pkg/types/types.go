// Package types defines the entities shared across driftfs's availability
// engine: files, replicas, storage nodes, and the recovery bookkeeping that
// ties them together.
package types

import "time"

// NodeStatus is the liveness state of a storage node.
type NodeStatus string

const (
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
)

// Node is a storage node the coordinator knows about. Nodes are created on
// first registration and are never deleted, only inactivated.
type Node struct {
	ID             string
	Address        string
	Status         NodeStatus
	AvailableSpace int64
	FileCount      int
	LastHeartbeat  time.Time
}

// ReplicaStatus is the lifecycle state of one physical copy of a File.
type ReplicaStatus string

const (
	ReplicaStatusPending   ReplicaStatus = "pending"
	ReplicaStatusActive    ReplicaStatus = "active"
	ReplicaStatusCorrupted ReplicaStatus = "corrupted"
	ReplicaStatusInactive  ReplicaStatus = "inactive"
)

// Replica is one (file_id, node_id) copy of a File.
type Replica struct {
	FileID       string
	NodeID       string
	Address      string
	Status       ReplicaStatus
	LastVerified time.Time
}

// File is a client-visible blob, immutable after upload.
type File struct {
	ID                string
	Filename          string
	Size              int64
	Checksum          string // SHA-256 hex; empty until first confirmed upload
	ReplicationFactor int
	CreatedAt         time.Time
}

// FileWithReplicas is a File joined with its current Replica set, as
// returned by the metadata store's GetFile.
type FileWithReplicas struct {
	File     File
	Replicas []Replica
}

// FileSummary is the aggregate view returned by ListFiles: a File plus the
// replica counts needed by the replication controller and introspection
// endpoints, without fetching every Replica row.
type FileSummary struct {
	File           File
	ReplicaCount   int
	ActiveReplicas int
}

// UploadHistoryEntry is one append-only audit row, written atomically with
// file creation.
type UploadHistoryEntry struct {
	ID        int64
	FileID    string
	Filename  string
	Timestamp time.Time
}

// RecoveryStrategy names the repair path a RecoveryRecord will take.
type RecoveryStrategy string

const (
	StrategyDisaster         RecoveryStrategy = "disaster"
	StrategyWiden            RecoveryStrategy = "widen"
	StrategyRebuildCorrupted RecoveryStrategy = "rebuild_corrupted"
)

// RecoveryStatus is the lifecycle state of a RecoveryRecord.
type RecoveryStatus string

const (
	RecoveryStatusPending RecoveryStatus = "pending"
	RecoveryStatusSuccess RecoveryStatus = "success"
	RecoveryStatusFailed  RecoveryStatus = "failed"
)

// Priority bands for the recovery queue (spec §4.6).
const (
	PriorityDisaster  = 20
	PriorityForced    = 100
	PriorityCorrupt   = 15
	PriorityUnderRepl = 10
	PriorityHealthy   = 0
)

// RecoveryRecord is one item of work tracked by the recovery queue.
type RecoveryRecord struct {
	FileID       string
	Filename     string
	Strategy     RecoveryStrategy
	Priority     int
	Attempts     int
	MaxAttempts  int
	LastAttempt  time.Time
	Status       RecoveryStatus
	ErrorMessage string

	// seq breaks priority ties by insertion order; assigned by the queue,
	// not meaningful outside it.
	seq uint64
}

// SetSeq and Seq are used by pkg/recovery to maintain FIFO-within-priority
// ordering without exposing a mutable field to every caller.
func (r *RecoveryRecord) SetSeq(n uint64) { r.seq = n }
func (r *RecoveryRecord) Seq() uint64     { return r.seq }

// RecoveryHistoryEntry is one retained row of the recovery ring buffer.
type RecoveryHistoryEntry struct {
	FileID       string
	Filename     string
	Timestamp    time.Time
	Success      bool
	RecoveryTime time.Duration
	Attempts     int
	Priority     int
	Strategy     RecoveryStrategy
	Error        string
	// Detail carries strategy-specific context (e.g. which node a disaster
	// recovery restored from) that spec.md §4.6 doesn't require but does
	// not exclude; see SPEC_FULL.md §3.
	Detail string
}

// Stats is the metadata store's own aggregate counters (spec §6
// /api/stats). Recovery-queue counters (successful/failed recoveries,
// pending count, average recovery time) live on recovery.Stats instead and
// are surfaced alongside this struct in /api/system/status, not duplicated
// here.
type Stats struct {
	TotalFiles       int
	TotalNodes       int
	ActiveNodes      int
	TotalBytesStored int64
	DegradedFiles    int // 0 < active_replicas < the file's ReplicationFactor
	DisasterFiles    int // active_replicas == 0
}
