// Package integrity implements the integrity verifier (spec.md §4.5): a
// periodic scan that re-checksums active replicas against the file's
// stored checksum and flips mismatches to corrupted, handing them to the
// recovery queue. The ticker/cancel-on-stop shape is the same one warren's
// pkg/worker health monitor uses to poll container health, redirected here
// from container liveness to replica checksum verification.
package integrity

import (
	"context"
	"time"

	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/nodeclient"
	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/rs/zerolog"
)

const pageSize = 1000

// RecoveryEnqueuer is the subset of pkg/recovery.Queue the integrity
// verifier needs: handing off a file with a corrupted replica.
type RecoveryEnqueuer interface {
	Enqueue(rec types.RecoveryRecord)
}

// Verifier runs the integrity verifier loop.
type Verifier struct {
	store    storage.Store
	client   *nodeclient.Client
	recovery RecoveryEnqueuer
	logger   zerolog.Logger

	stopCh  chan struct{}
	forceCh chan struct{}
}

// New creates an integrity verifier.
func New(store storage.Store, client *nodeclient.Client, recovery RecoveryEnqueuer) *Verifier {
	return &Verifier{
		store:    store,
		client:   client,
		recovery: recovery,
		logger:   log.WithComponent("integrity"),
		stopCh:   make(chan struct{}),
		forceCh:  make(chan struct{}, 1),
	}
}

// Start runs the tick loop in its own goroutine.
func (v *Verifier) Start(tick time.Duration) {
	go v.run(tick)
}

// Stop signals the loop to exit at the next tick boundary.
func (v *Verifier) Stop() {
	close(v.stopCh)
}

// Force triggers an immediate scan (the /api/replication/verify handler).
func (v *Verifier) Force() {
	select {
	case v.forceCh <- struct{}{}:
	default:
	}
}

func (v *Verifier) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	v.logger.Info().Dur("tick", tick).Msg("integrity loop started")

	for {
		select {
		case <-ticker.C:
			v.scan()
		case <-v.forceCh:
			v.scan()
		case <-v.stopCh:
			v.logger.Info().Msg("integrity loop stopped")
			return
		}
	}
}

func (v *Verifier) scan() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IntegrityCycleDuration)

	offset := 0
	for {
		page, err := v.store.ListFiles(pageSize, offset)
		if err != nil {
			v.logger.Error().Err(err).Msg("list files failed")
			return
		}
		if len(page) == 0 {
			return
		}
		for _, summary := range page {
			if summary.File.Checksum == "" {
				continue
			}
			v.verifyFile(summary.File)
		}
		offset += len(page)
		if len(page) < pageSize {
			return
		}
	}
}

func (v *Verifier) verifyFile(file types.File) {
	replicas, err := v.store.GetReplicas(file.ID)
	if err != nil {
		v.logger.Error().Err(err).Str("file_id", file.ID).Msg("get replicas failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	corrupted := false
	for _, r := range replicas {
		if r.Status != types.ReplicaStatusActive {
			continue
		}
		result, err := v.client.Verify(ctx, r.Address, file.ID)
		if err != nil {
			// Network failure or 404: do not change state, rely on NL and
			// the next tick (spec.md §4.5).
			metrics.VerificationsTotal.WithLabelValues("transport_error").Inc()
			continue
		}
		if result.Checksum == file.Checksum {
			metrics.VerificationsTotal.WithLabelValues("match").Inc()
			if err := v.store.UpdateReplicaStatus(file.ID, r.NodeID, types.ReplicaStatusActive); err != nil {
				v.logger.Error().Err(err).Str("file_id", file.ID).Msg("stamp last_verified failed")
			}
			continue
		}

		metrics.VerificationsTotal.WithLabelValues("mismatch").Inc()
		v.logger.Warn().Str("file_id", file.ID).Str("node_id", r.NodeID).Msg("checksum mismatch, marking replica corrupted")
		if err := v.store.UpdateReplicaStatus(file.ID, r.NodeID, types.ReplicaStatusCorrupted); err != nil {
			v.logger.Error().Err(err).Str("file_id", file.ID).Msg("mark corrupted failed")
			continue
		}
		corrupted = true
	}

	if corrupted {
		v.recovery.Enqueue(types.RecoveryRecord{
			FileID:      file.ID,
			Filename:    file.Filename,
			Strategy:    types.StrategyRebuildCorrupted,
			Priority:    types.PriorityCorrupt,
			MaxAttempts: 3,
			Status:      types.RecoveryStatusPending,
		})
	}
}
