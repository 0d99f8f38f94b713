package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFiles           = []byte("files")
	bucketReplicas        = []byte("replicas")
	bucketNodes           = []byte("nodes")
	bucketUploadHistory   = []byte("upload_history")
	bucketRecoveryHistory = []byte("recovery_history")
)

// replicaKey joins a (file_id, node_id) pair into the replicas bucket key.
// The separator is not a legal uuid character, so joined keys never collide.
func replicaKey(fileID, nodeID string) []byte {
	return []byte(fileID + "|" + nodeID)
}

// BoltStore implements Store using BoltDB: one bucket per entity table,
// JSON-serialized records, transactions for every multi-row mutation.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the coordinator's metadata
// database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "driftfs.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketFiles,
			bucketReplicas,
			bucketNodes,
			bucketUploadHistory,
			bucketRecoveryHistory,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Files ---

func (s *BoltStore) CreateFile(file *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		if err := files.Put([]byte(file.ID), data); err != nil {
			return err
		}

		history := tx.Bucket(bucketUploadHistory)
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		entry := types.UploadHistoryEntry{
			ID:        int64(seq),
			FileID:    file.ID,
			Filename:  file.Filename,
			Timestamp: file.CreatedAt,
		}
		data, err = json.Marshal(entry)
		if err != nil {
			return err
		}
		return history.Put(itob(seq), data)
	})
}

func (s *BoltStore) GetFile(id string) (*types.FileWithReplicas, error) {
	var result types.FileWithReplicas
	err := s.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		data := files.Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		if err := json.Unmarshal(data, &result.File); err != nil {
			return err
		}

		replicas := tx.Bucket(bucketReplicas)
		prefix := []byte(id + "|")
		c := replicas.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.Replica
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			result.Replicas = append(result.Replicas, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) ListFiles(limit, offset int) ([]types.FileSummary, error) {
	var all []types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		return files.ForEach(func(k, v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			all = append(all, f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	page := all[offset:end]

	summaries := make([]types.FileSummary, len(page))
	for i, f := range page {
		replicas, err := s.GetReplicas(f.ID)
		if err != nil {
			return nil, err
		}
		summaries[i] = types.FileSummary{File: f, ReplicaCount: len(replicas)}
		for _, r := range replicas {
			if r.Status == types.ReplicaStatusActive {
				summaries[i].ActiveReplicas++
			}
		}
	}
	return summaries, nil
}

func (s *BoltStore) UpdateFileChecksum(id, checksum string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		data := files.Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		var f types.File
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		if f.Checksum != "" {
			// Idempotent: first write wins (spec.md §4.1, §9).
			return nil
		}
		f.Checksum = checksum
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return files.Put([]byte(id), data)
	})
}

func (s *BoltStore) DeleteFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		if err := files.Delete([]byte(id)); err != nil {
			return err
		}

		replicas := tx.Bucket(bucketReplicas)
		prefix := []byte(id + "|")
		c := replicas.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := replicas.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Replicas ---

func (s *BoltStore) AddReplica(fileID, nodeID, address string, status types.ReplicaStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		replicas := tx.Bucket(bucketReplicas)
		key := replicaKey(fileID, nodeID)
		if replicas.Get(key) != nil {
			// Already present: retried confirmation, not an error.
			return nil
		}
		r := types.Replica{FileID: fileID, NodeID: nodeID, Address: address, Status: status}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return replicas.Put(key, data)
	})
}

func (s *BoltStore) UpdateReplicaStatus(fileID, nodeID string, status types.ReplicaStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		replicas := tx.Bucket(bucketReplicas)
		key := replicaKey(fileID, nodeID)
		data := replicas.Get(key)
		if data == nil {
			return types.ErrNotFound
		}
		var r types.Replica
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.Status = status
		if status == types.ReplicaStatusActive || status == types.ReplicaStatusCorrupted {
			r.LastVerified = time.Now()
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return replicas.Put(key, data)
	})
}

func (s *BoltStore) GetReplicas(fileID string) ([]types.Replica, error) {
	var replicas []types.Replica
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		prefix := []byte(fileID + "|")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.Replica
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			replicas = append(replicas, r)
		}
		return nil
	})
	return replicas, err
}

func (s *BoltStore) GetReplicasByNode(nodeID string) ([]types.Replica, error) {
	var replicas []types.Replica
	suffix := []byte("|" + nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		return b.ForEach(func(k, v []byte) error {
			if !bytes.HasSuffix(k, suffix) {
				return nil
			}
			var r types.Replica
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			replicas = append(replicas, r)
			return nil
		})
	})
	return replicas, err
}

// --- Nodes ---

func (s *BoltStore) RegisterNode(nodeID, address string) error {
	recovered := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		node := types.Node{
			ID:            nodeID,
			Address:       address,
			Status:        types.NodeStatusActive,
			LastHeartbeat: time.Now(),
		}
		if data := b.Get([]byte(nodeID)); data != nil {
			var existing types.Node
			if err := json.Unmarshal(data, &existing); err == nil {
				node.AvailableSpace = existing.AvailableSpace
				node.FileCount = existing.FileCount
				recovered = existing.Status == types.NodeStatusInactive
			}
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(nodeID), data)
	})
	if err == nil && recovered {
		metrics.NodesRecoveredTotal.Inc()
	}
	return err
}

func (s *BoltStore) UpdateNodeHeartbeat(nodeID string, availableSpace int64, fileCount int) (bool, error) {
	known := false
	recovered := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(nodeID))
		var node types.Node
		if data != nil {
			known = true
			if err := json.Unmarshal(data, &node); err != nil {
				return err
			}
			recovered = node.Status == types.NodeStatusInactive
		} else {
			node = types.Node{ID: nodeID}
		}
		node.AvailableSpace = availableSpace
		node.FileCount = fileCount
		node.LastHeartbeat = time.Now()
		node.Status = types.NodeStatusActive

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(nodeID), data)
	})
	if err == nil && recovered {
		metrics.NodesRecoveredTotal.Inc()
	}
	return known, err
}

func (s *BoltStore) GetActiveNodes(timeout time.Duration) ([]types.Node, error) {
	var active []types.Node
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var toInactivate []types.Node
		err := b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.Status == types.NodeStatusActive && now.Sub(node.LastHeartbeat) > timeout {
				node.Status = types.NodeStatusInactive
				toInactivate = append(toInactivate, node)
				return nil
			}
			if node.Status == types.NodeStatusActive {
				active = append(active, node)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Lazily catch nodes the liveness loop hasn't ticked over yet, so a
		// read immediately after a missed heartbeat never returns a ghost
		// node (spec.md §4.2).
		for _, node := range toInactivate {
			data, err := json.Marshal(node)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(node.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	return active, err
}

func (s *BoltStore) MarkNodeInactive(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return types.ErrNotFound
		}
		var node types.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		node.Status = types.NodeStatusInactive
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(nodeID), data)
	})
}

func (s *BoltStore) GetNode(nodeID string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return types.ErrNotFound
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// --- Introspection ---

func (s *BoltStore) GetStats() (types.Stats, error) {
	var stats types.Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		if err := nodes.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			stats.TotalNodes++
			if node.Status == types.NodeStatusActive {
				stats.ActiveNodes++
			}
			return nil
		}); err != nil {
			return err
		}

		files := tx.Bucket(bucketFiles)
		replicas := tx.Bucket(bucketReplicas)
		return files.ForEach(func(k, v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			stats.TotalFiles++
			stats.TotalBytesStored += f.Size

			active := 0
			prefix := []byte(f.ID + "|")
			c := replicas.Cursor()
			for rk, rv := c.Seek(prefix); rk != nil && bytes.HasPrefix(rk, prefix); rk, rv = c.Next() {
				var r types.Replica
				if err := json.Unmarshal(rv, &r); err != nil {
					return err
				}
				if r.Status == types.ReplicaStatusActive {
					active++
				}
			}
			if active == 0 {
				stats.DisasterFiles++
			} else if active < f.ReplicationFactor {
				stats.DegradedFiles++
			}
			return nil
		})
	})
	if err == nil {
		metrics.FilesTotal.Set(float64(stats.TotalFiles))
		metrics.DegradedFilesTotal.Set(float64(stats.DegradedFiles))
		metrics.DisasterFilesTotal.Set(float64(stats.DisasterFiles))
		metrics.NodesTotal.WithLabelValues(string(types.NodeStatusActive)).Set(float64(stats.ActiveNodes))
		metrics.NodesTotal.WithLabelValues(string(types.NodeStatusInactive)).Set(float64(stats.TotalNodes - stats.ActiveNodes))
	}
	return stats, err
}

func (s *BoltStore) GetUploadHistory(limit int) ([]types.UploadHistoryEntry, error) {
	var entries []types.UploadHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploadHistory)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Prev() {
			var e types.UploadHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// --- Recovery history snapshot ---

var recoveryHistoryKey = []byte("snapshot")

func (s *BoltStore) SaveRecoveryHistory(entries []types.RecoveryHistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryHistory)
		return b.Put(recoveryHistoryKey, data)
	})
}

func (s *BoltStore) LoadRecoveryHistory() ([]types.RecoveryHistoryEntry, error) {
	var entries []types.RecoveryHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecoveryHistory)
		data := b.Get(recoveryHistoryKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entries)
	})
	return entries, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
