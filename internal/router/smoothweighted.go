package router

import (
	"sync"

	"github.com/meridianmesh/discovery/internal/types"
)

// smoothWeightedEntry tracks one instance's state in the Nginx-style
// smooth weighted round-robin algorithm.
type smoothWeightedEntry struct {
	weight          int
	currentWeight   int
	effectiveWeight int
}

// smoothWeighted implements smooth weighted round robin per service: each
// call adds each instance's effective_weight to its running current_weight,
// picks the instance with the largest current_weight, then subtracts the
// total weight from the winner. This interleaves high- and low-weight
// instances smoothly instead of the teacher's "replicate N times into a
// flat list" approximation, and correctly excludes weight=0 instances
// (I3) by construction rather than by the accident of zero copies.
type smoothWeighted struct {
	mu      sync.Mutex
	entries map[string]*smoothWeightedEntry
}

func newSmoothWeighted() *smoothWeighted {
	return &smoothWeighted{entries: make(map[string]*smoothWeightedEntry)}
}

func (sw *smoothWeighted) next(instances []types.Instance) *types.Instance {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	live := make(map[string]struct{}, len(instances))
	totalWeight := 0
	for _, inst := range instances {
		live[inst.InstanceID] = struct{}{}
		w := inst.EffectiveWeight()
		if w < 0 {
			w = 0
		}
		entry, ok := sw.entries[inst.InstanceID]
		if !ok {
			entry = &smoothWeightedEntry{}
			sw.entries[inst.InstanceID] = entry
		}
		entry.weight = w
		entry.effectiveWeight = w
		totalWeight += w
	}
	for id := range sw.entries {
		if _, ok := live[id]; !ok {
			delete(sw.entries, id)
		}
	}

	if totalWeight == 0 {
		// Every candidate has weight 0; fall back to a random pick over the
		// set rather than returning nothing. Selector.Select never calls
		// next for such a set.
		return selectRandom(instances)
	}

	var bestID string
	bestWeight := -1
	for _, inst := range instances {
		entry := sw.entries[inst.InstanceID]
		entry.currentWeight += entry.effectiveWeight
		if entry.currentWeight > bestWeight {
			bestWeight = entry.currentWeight
			bestID = inst.InstanceID
		}
	}

	sw.entries[bestID].currentWeight -= totalWeight

	for i := range instances {
		if instances[i].InstanceID == bestID {
			return &instances[i]
		}
	}
	return nil
}
