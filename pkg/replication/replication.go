// Package replication implements the replication controller (spec.md §4.4):
// a periodic scan of the metadata store that tops up under-replicated files
// by copying bytes between storage nodes. It reuses the ticker-loop shape
// of warren's pkg/reconciler (run/select{ticker.C, stopCh}, per-cycle
// Timer and metrics) for an availability scan instead of a desired-state
// reconciliation.
package replication

import (
	"context"
	"time"

	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/nodeclient"
	"github.com/driftfs/driftfs/pkg/placement"
	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/rs/zerolog"
)

// RecoveryEnqueuer is the subset of pkg/recovery.Queue the replication
// controller needs: handing off a file with no active replicas at all.
type RecoveryEnqueuer interface {
	Enqueue(rec types.RecoveryRecord)
}

// pageSize bounds one tick's scan (spec.md §4.4: "bounded page of 1000").
const pageSize = 1000

// Controller runs the replication controller loop.
type Controller struct {
	store       storage.Store
	client      *nodeclient.Client
	placement   *placement.Policy
	recovery    RecoveryEnqueuer
	minReplicas int
	logger      zerolog.Logger

	stopCh  chan struct{}
	forceCh chan struct{}
}

// New creates a replication controller.
func New(store storage.Store, client *nodeclient.Client, pp *placement.Policy, recovery RecoveryEnqueuer, minReplicas int) *Controller {
	return &Controller{
		store:       store,
		client:      client,
		placement:   pp,
		recovery:    recovery,
		minReplicas: minReplicas,
		logger:      log.WithComponent("replication"),
		stopCh:      make(chan struct{}),
		forceCh:     make(chan struct{}, 1),
	}
}

// Start runs the tick loop in its own goroutine.
func (c *Controller) Start(tick time.Duration) {
	go c.run(tick)
}

// Stop signals the loop to exit at the next tick boundary.
func (c *Controller) Stop() {
	close(c.stopCh)
}

// Force triggers an immediate scan outside the ticker cadence (the
// /api/replication/force handler).
func (c *Controller) Force() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

func (c *Controller) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	c.logger.Info().Dur("tick", tick).Msg("replication loop started")

	for {
		select {
		case <-ticker.C:
			c.scan()
		case <-c.forceCh:
			c.scan()
		case <-c.stopCh:
			c.logger.Info().Msg("replication loop stopped")
			return
		}
	}
}

// scan runs one replication controller pass and logs any top-level error;
// the next tick retries (spec.md §4.4 step 4).
func (c *Controller) scan() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplicationCycleDuration)

	offset := 0
	for {
		page, err := c.store.ListFiles(pageSize, offset)
		if err != nil {
			c.logger.Error().Err(err).Msg("list files failed")
			return
		}
		if len(page) == 0 {
			return
		}
		for _, summary := range page {
			c.repairFile(summary)
		}
		offset += len(page)
		if len(page) < pageSize {
			return
		}
	}
}

func (c *Controller) repairFile(summary types.FileSummary) {
	if summary.ActiveReplicas >= c.minReplicas {
		return
	}
	need := c.minReplicas - summary.ActiveReplicas

	replicas, err := c.store.GetReplicas(summary.File.ID)
	if err != nil {
		c.logger.Error().Err(err).Str("file_id", summary.File.ID).Msg("get replicas failed")
		return
	}

	activeNodes, err := c.placement.ActiveSet()
	if err != nil {
		c.logger.Error().Err(err).Str("file_id", summary.File.ID).Msg("get active nodes failed")
		return
	}

	excluded := make(map[string]bool)
	var source *types.Replica
	for i := range replicas {
		r := replicas[i]
		switch r.Status {
		case types.ReplicaStatusActive, types.ReplicaStatusPending, types.ReplicaStatusCorrupted:
			excluded[r.NodeID] = true
		}
		// spec.md §4.4 step 3: the copy source must be active whose node is
		// currently active, not merely an active-status replica row.
		if r.Status == types.ReplicaStatusActive && source == nil && activeNodes[r.NodeID] {
			source = &r
		}
	}

	if source == nil {
		// No active replica to copy from: defer to the recovery queue's
		// disaster strategy (spec.md §4.4 step 3).
		c.recovery.Enqueue(types.RecoveryRecord{
			FileID:      summary.File.ID,
			Filename:    summary.File.Filename,
			Strategy:    types.StrategyDisaster,
			Priority:    types.PriorityDisaster,
			MaxAttempts: 3,
			Status:      types.RecoveryStatusPending,
		})
		return
	}

	targets, err := c.placement.SelectTargets(need, excluded)
	if err != nil {
		c.logger.Warn().Err(err).Str("file_id", summary.File.ID).Msg("placement could not find enough targets")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, target := range targets {
		if err := c.client.Copy(ctx, summary.File.ID, source.Address, target.Address); err != nil {
			c.logger.Warn().Err(err).Str("file_id", summary.File.ID).Str("target", target.ID).Msg("copy failed, next tick retries")
			continue
		}
		if err := c.store.AddReplica(summary.File.ID, target.ID, target.Address, types.ReplicaStatusActive); err != nil {
			c.logger.Error().Err(err).Str("file_id", summary.File.ID).Msg("add replica failed")
			continue
		}
		metrics.ReplicationsPerformedTotal.Inc()
	}
}
