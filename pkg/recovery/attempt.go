package recovery

import (
	"context"
	"strconv"
	"time"

	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/nodeclient"
	"github.com/driftfs/driftfs/pkg/types"
)

// attempt runs one pass of the attempt logic for rec (spec.md §4.6
// "Attempt logic"): retry-delay skip, max-attempts exhaustion, strategy
// selection against the file's live replica state, and success/failure
// bookkeeping.
func (q *Queue) attempt(rec *types.RecoveryRecord) {
	if !rec.LastAttempt.IsZero() && time.Since(rec.LastAttempt) < q.retryDelay {
		return
	}

	if rec.Attempts >= rec.MaxAttempts {
		q.markFailed(rec, "max attempts exceeded")
		return
	}

	rec.Attempts++
	rec.LastAttempt = time.Now()
	start := time.Now()

	fwr, err := q.store.GetFile(rec.FileID)
	if err != nil {
		q.markFailed(rec, "file not found in metadata store")
		return
	}

	var active, corrupted, inactive []types.Replica
	for _, r := range fwr.Replicas {
		switch r.Status {
		case types.ReplicaStatusActive:
			active = append(active, r)
		case types.ReplicaStatusCorrupted:
			corrupted = append(corrupted, r)
		case types.ReplicaStatusInactive:
			inactive = append(inactive, r)
		}
	}

	var success bool
	var detail string
	var strategy types.RecoveryStrategy

	switch {
	case len(active) == 0:
		strategy = types.StrategyDisaster
		success, detail = q.recoverFromBackup(fwr.File, inactive)
	case len(active) < q.minReplicas:
		strategy = types.StrategyWiden
		success, detail = q.widen(fwr.File, active)
	case len(corrupted) > 0:
		strategy = types.StrategyRebuildCorrupted
		success, detail = q.rebuildCorrupted(fwr.File, active, corrupted)
	default:
		strategy = rec.Strategy
		success, detail = true, "already healthy"
	}

	rec.Strategy = strategy
	recoveryTime := time.Since(start)
	metrics.RecoveryAttemptDuration.WithLabelValues(string(strategy)).Observe(recoveryTime.Seconds())

	if success {
		q.markSuccessful(rec, recoveryTime, detail)
		return
	}
	q.markFailed(rec, detail)
}

// recoverFromBackup implements disaster recovery (spec.md §4.6.1).
func (q *Queue) recoverFromBackup(file types.File, inactive []types.Replica) (bool, string) {
	for _, replica := range inactive {
		ctx, cancel := context.WithTimeout(context.Background(), q.disasterTimeout)
		data, err := q.client.Download(ctx, replica.Address, file.ID)
		cancel()
		if err != nil {
			continue
		}
		if file.Checksum != "" && !nodeclient.ChecksumMatches(data, file.Checksum) {
			continue
		}
		if ok, detail := q.restoreFromData(file.ID, data); ok {
			return true, "restored from " + replica.NodeID + ": " + detail
		}
	}
	return false, "all replicas lost, no inactive copy matched the checksum"
}

// restoreFromData uploads recovered bytes to up to 2 currently active
// nodes and registers them as new active replicas. Success requires at
// least 2 uploads to land (spec.md §4.6.1).
func (q *Queue) restoreFromData(fileID string, data []byte) (bool, string) {
	targets, err := q.placement.SelectTargets(2, nil)
	if err != nil {
		return false, "not enough active nodes for restoration"
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.copyTimeout)
	defer cancel()

	restored := 0
	for _, target := range targets {
		if _, err := q.client.Upload(ctx, target.Address, fileID, data); err != nil {
			continue
		}
		if err := q.store.AddReplica(fileID, target.ID, target.Address, types.ReplicaStatusActive); err != nil {
			continue
		}
		restored++
	}
	if restored >= 2 {
		return true, "restored to " + strconv.Itoa(restored) + " nodes"
	}
	return false, "restored to fewer than 2 nodes"
}

// widen creates additional replicas to meet minReplicas (spec.md §4.6.2).
func (q *Queue) widen(file types.File, active []types.Replica) (bool, string) {
	need := q.minReplicas - len(active)
	if need <= 0 || len(active) == 0 {
		return false, "no active replica to copy from"
	}

	excluded := make(map[string]bool, len(active))
	for _, r := range active {
		excluded[r.NodeID] = true
	}

	targets, err := q.placement.SelectTargets(need, excluded)
	if err != nil {
		return false, "not enough available nodes to widen"
	}

	source := active[0]
	ctx, cancel := context.WithTimeout(context.Background(), q.copyTimeout)
	defer cancel()

	landed := 0
	for _, target := range targets {
		if err := q.client.Copy(ctx, file.ID, source.Address, target.Address); err != nil {
			continue
		}
		if err := q.store.AddReplica(file.ID, target.ID, target.Address, types.ReplicaStatusActive); err != nil {
			continue
		}
		landed++
	}
	if landed == 0 {
		return false, "copy to every target failed"
	}
	return true, strconv.Itoa(landed) + " new replica(s) landed"
}

// rebuildCorrupted replaces corrupted replicas with fresh copies from a
// healthy source (spec.md §4.6.3).
func (q *Queue) rebuildCorrupted(file types.File, active, corrupted []types.Replica) (bool, string) {
	if len(active) == 0 {
		return false, "no active replica to copy from"
	}
	source := active[0]

	ctx, cancel := context.WithTimeout(context.Background(), q.copyTimeout)
	defer cancel()

	replaced := 0
	for _, bad := range corrupted {
		if err := q.client.Copy(ctx, file.ID, source.Address, bad.Address); err != nil {
			continue
		}
		if err := q.store.UpdateReplicaStatus(file.ID, bad.NodeID, types.ReplicaStatusActive); err != nil {
			continue
		}
		replaced++
	}
	if replaced == 0 {
		return false, "failed to replace any corrupted replica"
	}
	return true, strconv.Itoa(replaced) + " corrupted replica(s) replaced"
}

// markSuccessful records a completed recovery: removed from the queue,
// stats updated, appended to history (spec.md §4.6 step 7).
func (q *Queue) markSuccessful(rec *types.RecoveryRecord, recoveryTime time.Duration, detail string) {
	rec.Status = types.RecoveryStatusSuccess

	q.mu.Lock()
	q.removeLocked(rec.FileID)
	q.stats.TotalRecoveries++
	q.stats.SuccessfulRecoveries++
	q.stats.LastRecovery = time.Now()
	if rec.Priority >= types.PriorityCorrupt {
		q.stats.CriticalFilesRecovered++
		metrics.CriticalFilesRecoveredTotal.Inc()
	}
	// Cumulative mean over all successful recoveries, not a windowed
	// average (spec.md §4.6 step 7, SPEC_FULL.md §3).
	n := q.stats.SuccessfulRecoveries
	totalNanos := float64(q.stats.AverageRecoveryTime) * float64(n-1)
	q.stats.AverageRecoveryTime = time.Duration((totalNanos + float64(recoveryTime)) / float64(n))
	q.appendHistoryLocked(types.RecoveryHistoryEntry{
		FileID:       rec.FileID,
		Filename:     rec.Filename,
		Timestamp:    time.Now(),
		Success:      true,
		RecoveryTime: recoveryTime,
		Attempts:     rec.Attempts,
		Priority:     rec.Priority,
		Strategy:     rec.Strategy,
		Detail:       detail,
	})
	metrics.PendingRecoveries.Set(float64(len(q.items)))
	history := append([]types.RecoveryHistoryEntry(nil), q.history...)
	q.mu.Unlock()

	metrics.SuccessfulRecoveriesTotal.Inc()
	q.logger.Info().Str("file_id", rec.FileID).Dur("recovery_time", recoveryTime).Msg("recovery successful")
	q.persistHistory(history)
}

// markFailed records a failed attempt. If max attempts are now exhausted
// the record is removed from the queue and marked failed for good;
// otherwise it stays queued and the retry delay governs the next try
// (spec.md §4.6 step 8).
func (q *Queue) markFailed(rec *types.RecoveryRecord, reason string) {
	rec.ErrorMessage = reason
	exhausted := rec.Attempts >= rec.MaxAttempts

	q.mu.Lock()
	if exhausted {
		rec.Status = types.RecoveryStatusFailed
		q.removeLocked(rec.FileID)
		q.stats.TotalRecoveries++
		q.stats.FailedRecoveries++
		q.appendHistoryLocked(types.RecoveryHistoryEntry{
			FileID:    rec.FileID,
			Filename:  rec.Filename,
			Timestamp: time.Now(),
			Success:   false,
			Attempts:  rec.Attempts,
			Priority:  rec.Priority,
			Strategy:  rec.Strategy,
			Error:     reason,
		})
		metrics.RecoveriesFailedTotal.Inc()
	}
	metrics.PendingRecoveries.Set(float64(len(q.items)))
	history := append([]types.RecoveryHistoryEntry(nil), q.history...)
	q.mu.Unlock()

	if exhausted {
		q.logger.Error().Str("file_id", rec.FileID).Str("reason", reason).Msg("recovery failed, max attempts exceeded")
		q.persistHistory(history)
	} else {
		q.logger.Warn().Str("file_id", rec.FileID).Str("reason", reason).Msg("recovery attempt failed, will retry")
	}
}

// persistHistory snapshots the history ring buffer to the metadata store so
// a restart can restore it (SPEC_FULL.md §2). Called outside q.mu so a slow
// bbolt write never blocks another in-flight attempt.
func (q *Queue) persistHistory(history []types.RecoveryHistoryEntry) {
	if err := q.store.SaveRecoveryHistory(history); err != nil {
		q.logger.Error().Err(err).Msg("persist recovery history failed")
	}
}

// removeLocked drops the record matching file_id from the queue. Caller
// must hold q.mu.
func (q *Queue) removeLocked(fileID string) {
	for i, rec := range q.items {
		if rec.FileID == fileID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// appendHistoryLocked appends to the ring buffer, trimming to historyCap
// (spec.md §4.6 "History"). Caller must hold q.mu.
func (q *Queue) appendHistoryLocked(entry types.RecoveryHistoryEntry) {
	q.history = append(q.history, entry)
	if len(q.history) > q.historyCap {
		q.history = q.history[len(q.history)-q.historyCap:]
	}
}

