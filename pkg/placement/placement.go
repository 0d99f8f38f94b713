// Package placement implements the placement policy (spec.md §4.3): picking
// target storage nodes for a new upload or a repair copy by available
// space, the same filter-then-select shape warren's scheduler uses to pick
// a node for a container.
package placement

import (
	"fmt"
	"sort"
	"time"

	"github.com/driftfs/driftfs/pkg/storage"
	"github.com/driftfs/driftfs/pkg/types"
)

// Policy selects target nodes against a metadata store's active-node view.
type Policy struct {
	store   storage.Store
	timeout time.Duration
}

// New creates a placement policy backed by store, using timeout as the
// liveness window passed to GetActiveNodes.
func New(store storage.Store, timeout time.Duration) *Policy {
	return &Policy{store: store, timeout: timeout}
}

// SelectTargets fetches the current active node set and returns n of them,
// excluding the given node ids. See SelectTargetsFrom for the algorithm.
func (p *Policy) SelectTargets(n int, excluded map[string]bool) ([]types.Node, error) {
	active, err := p.store.GetActiveNodes(p.timeout)
	if err != nil {
		return nil, err
	}
	return SelectTargetsFrom(active, n, excluded)
}

// ActiveSet returns the current set of active node ids. Callers that need
// to check a specific, already-known node's liveness (rather than select
// fresh targets) use this instead of SelectTargets.
func (p *Policy) ActiveSet() (map[string]bool, error) {
	active, err := p.store.GetActiveNodes(p.timeout)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(active))
	for _, node := range active {
		ids[node.ID] = true
	}
	return ids, nil
}

// SelectTargetsFrom applies the algorithm against an already-fetched active
// node list (SelectTargets calls it after fetching the list from the
// store): sort by AvailableSpace descending, drop excluded nodes, take the
// first n. Ties
// broken by insertion order. No rack/zone awareness; no load-decay
// weighting (spec.md §4.3).
func SelectTargetsFrom(active []types.Node, n int, excluded map[string]bool) ([]types.Node, error) {
	candidates := make([]types.Node, 0, len(active))
	for _, node := range active {
		if excluded[node.ID] {
			continue
		}
		candidates = append(candidates, node)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AvailableSpace > candidates[j].AvailableSpace
	})

	if len(candidates) < n {
		return nil, fmt.Errorf("need %d nodes, have %d: %w", n, len(candidates), types.ErrNotEnoughNodes)
	}
	return candidates[:n], nil
}
