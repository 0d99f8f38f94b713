// Package liveness implements the node registry & liveness loop (spec.md
// §4.2): a single background tick that detects stale heartbeats and
// inactivates both the node and its active replicas.
package liveness

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftfs/driftfs/pkg/log"
	"github.com/driftfs/driftfs/pkg/metrics"
	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
	"github.com/rs/zerolog"
)

// Checker runs the liveness loop against a metadata store.
type Checker struct {
	store   storage.Store
	timeout time.Duration
	logger  zerolog.Logger
	stopCh  chan struct{}

	mu         sync.Mutex
	prevActive map[string]bool
	tick       time.Duration
	startedAt  time.Time
	lastTick   time.Time
}

// New creates a liveness checker with the given heartbeat timeout (T_fail).
func New(store storage.Store, timeout time.Duration) *Checker {
	return &Checker{
		store:      store,
		timeout:    timeout,
		logger:     log.WithComponent("liveness"),
		stopCh:     make(chan struct{}),
		prevActive: make(map[string]bool),
	}
}

// Start runs the tick loop in its own goroutine.
func (c *Checker) Start(tick time.Duration) {
	c.mu.Lock()
	c.tick = tick
	c.startedAt = time.Now()
	c.mu.Unlock()
	go c.run(tick)
}

// Stop signals the loop to exit at the next tick boundary.
func (c *Checker) Stop() {
	close(c.stopCh)
}

func (c *Checker) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	c.logger.Info().Dur("tick", tick).Dur("timeout", c.timeout).Msg("liveness loop started")

	for {
		select {
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				c.logger.Error().Err(err).Msg("liveness tick failed")
				continue
			}
			c.mu.Lock()
			c.lastTick = time.Now()
			c.mu.Unlock()
		case <-c.stopCh:
			c.logger.Info().Msg("liveness loop stopped")
			return
		}
	}
}

// Tick runs one liveness check over every node in the store: it asks the
// store for the current active set (which inactivates stale nodes as a side
// effect, spec.md §4.1/§4.2), then cascades that transition to every
// previously-active replica the newly-inactive nodes hold.
//
// Tick is exported so tests can force a check outside the ticker cadence.
func (c *Checker) Tick() error {
	active, err := c.store.GetActiveNodes(c.timeout)
	if err != nil {
		return err
	}
	activeIDs := make(map[string]bool, len(active))
	for _, n := range active {
		activeIDs[n.ID] = true
	}

	c.mu.Lock()
	var newlyInactive []string
	for id := range c.prevActive {
		if !activeIDs[id] {
			newlyInactive = append(newlyInactive, id)
		}
	}
	c.prevActive = activeIDs
	c.mu.Unlock()

	for _, nodeID := range newlyInactive {
		if err := c.cascadeNode(nodeID); err != nil {
			return err
		}
	}
	return nil
}

// Healthy reports whether the liveness loop has ticked recently. It backs
// the "liveness" readiness check in pkg/metrics, so readiness reflects the
// loop's actual cadence rather than a flag set once at startup.
func (c *Checker) Healthy() (bool, string) {
	c.mu.Lock()
	tick := c.tick
	started := c.startedAt
	last := c.lastTick
	c.mu.Unlock()

	if last.IsZero() {
		if tick == 0 || time.Since(started) < tick {
			return true, "awaiting first tick"
		}
		return false, "no tick completed since start"
	}
	if tick > 0 && time.Since(last) > 3*tick {
		return false, fmt.Sprintf("last tick %s ago", time.Since(last).Round(time.Second))
	}
	return true, ""
}

// cascadeNode marks every active Replica on nodeID inactive. Re-running
// without a new heartbeat in between finds the node already absent from
// prevActive, so Tick never calls this twice for the same failure: the
// transition is idempotent by construction, not by re-checking replica
// state.
func (c *Checker) cascadeNode(nodeID string) error {
	replicas, err := c.store.GetReplicasByNode(nodeID)
	if err != nil {
		return err
	}
	cascaded := 0
	for _, r := range replicas {
		if r.Status != types.ReplicaStatusActive {
			continue
		}
		if err := c.store.UpdateReplicaStatus(r.FileID, r.NodeID, types.ReplicaStatusInactive); err != nil {
			return err
		}
		cascaded++
	}
	metrics.NodesFailedTotal.Inc()
	c.logger.Warn().
		Str("node_id", nodeID).
		Int("replicas_inactivated", cascaded).
		Msg("node marked inactive, replicas cascaded")
	return nil
}
