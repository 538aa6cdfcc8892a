// Package router implements the Selector: strategies that pick one
// healthy instance out of a snapshot for a resolve() call. Selector
// methods are pure over their input snapshot — no I/O, no logging — the
// only state they keep is small per-service counters needed for
// round_robin/least_connections/weighted_round_robin fairness across calls.
package router

import (
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meridianmesh/discovery/internal/types"
)

// Strategy selects the load-balancing algorithm.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	Random
	WeightedRoundRobin
	ConsistentHash
)

// ParseStrategy parses a strategy name (case-insensitive) into a Strategy.
// Returns RoundRobin if the name is unrecognized.
func ParseStrategy(name string) Strategy {
	switch strings.ToLower(name) {
	case "roundrobin", "round_robin":
		return RoundRobin
	case "leastconnections", "least_connections":
		return LeastConnections
	case "random":
		return Random
	case "weightedroundrobin", "weighted_round_robin":
		return WeightedRoundRobin
	case "consistenthash", "consistent_hash":
		return ConsistentHash
	default:
		return RoundRobin
	}
}

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastConnections:
		return "least_connections"
	case Random:
		return "random"
	case WeightedRoundRobin:
		return "weighted_round_robin"
	case ConsistentHash:
		return "consistent_hash"
	default:
		return "round_robin"
	}
}

// SelectContext carries the per-request information a Selector may
// consult — currently only the consistent_hash routing key.
type SelectContext struct {
	RequestKey string
}

// Selector picks one instance from a snapshot according to a Strategy. It
// keeps small per-service fairness state (round-robin cursors, in-flight
// connection counts) but never mutates or owns the Registry itself.
type Selector struct {
	mu              sync.Mutex
	roundRobinIdx   map[string]*atomic.Int64
	connectionCount map[string]map[string]*atomic.Int64
	smooth          map[string]*smoothWeighted
	virtualNodes    int
}

// NewSelector creates a Selector. virtualNodes configures the
// consistent_hash ring's points-per-instance (spec.md §4.4 default 150).
func NewSelector(virtualNodes int) *Selector {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &Selector{
		roundRobinIdx:   make(map[string]*atomic.Int64),
		connectionCount: make(map[string]map[string]*atomic.Int64),
		smooth:          make(map[string]*smoothWeighted),
		virtualNodes:    virtualNodes,
	}
}

// Select picks one instance for serviceID from candidates using strategy.
// candidates must already be filtered to selectable/circuit-closed
// instances by the caller (the Dispatcher); Select itself applies no
// health filtering so it stays a pure function over its input.
func (s *Selector) Select(serviceID string, candidates []types.Instance, strategy Strategy, ctx SelectContext) (*types.Instance, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	switch strategy {
	case LeastConnections:
		return s.selectLeastConnections(serviceID, candidates), true
	case WeightedRoundRobin:
		for i := range candidates {
			if candidates[i].EffectiveWeight() > 0 {
				return s.selectWeightedRoundRobin(serviceID, candidates), true
			}
		}
		// Every candidate has weight 0, which weighted strategies never pick.
		return nil, false
	case ConsistentHash:
		return s.selectConsistentHash(candidates, ctx), true
	case Random:
		return selectRandom(candidates), true
	default:
		return s.selectRoundRobin(serviceID, candidates), true
	}
}

// Release decrements the in-flight connection counter recorded by
// LeastConnections for instanceID, called when a Dispatcher report()
// closes out the request this instance was selected for.
func (s *Selector) Release(serviceID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, ok := s.connectionCount[serviceID]
	if !ok {
		return
	}
	if c, ok := counts[instanceID]; ok {
		if v := c.Load(); v > 0 {
			c.Add(-1)
		}
	}
}

func (s *Selector) selectRoundRobin(serviceID string, instances []types.Instance) *types.Instance {
	idx := s.getRoundRobinIdx(serviceID)
	n := idx.Add(1)
	i := abs64(n) % int64(len(instances))
	return &instances[i]
}

func (s *Selector) selectLeastConnections(serviceID string, instances []types.Instance) *types.Instance {
	counts := s.getConnectionCounts(serviceID)

	var best *types.Instance
	var bestCount int64 = -1

	for i := range instances {
		c := s.getOrCreateCounter(counts, instances[i].InstanceID)
		v := c.Load()
		if bestCount < 0 || v < bestCount {
			bestCount = v
			best = &instances[i]
		}
	}

	if best != nil {
		c := s.getOrCreateCounter(counts, best.InstanceID)
		c.Add(1)
	}
	return best
}

func (s *Selector) selectWeightedRoundRobin(serviceID string, instances []types.Instance) *types.Instance {
	s.mu.Lock()
	sw, ok := s.smooth[serviceID]
	if !ok {
		sw = newSmoothWeighted()
		s.smooth[serviceID] = sw
	}
	s.mu.Unlock()

	return sw.next(instances)
}

func (s *Selector) selectConsistentHash(instances []types.Instance, ctx SelectContext) *types.Instance {
	key := ctx.RequestKey
	if key == "" {
		return selectRandom(instances)
	}

	ring := buildHashRing(instances, s.virtualNodes)
	instanceID := ring.lookup(key)
	for i := range instances {
		if instances[i].InstanceID == instanceID {
			return &instances[i]
		}
	}
	return selectRandom(instances)
}

func selectRandom(instances []types.Instance) *types.Instance {
	i := rand.IntN(len(instances))
	return &instances[i]
}

func (s *Selector) getRoundRobinIdx(serviceID string) *atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.roundRobinIdx[serviceID]
	if !ok {
		idx = &atomic.Int64{}
		s.roundRobinIdx[serviceID] = idx
	}
	return idx
}

func (s *Selector) getConnectionCounts(serviceID string) map[string]*atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, ok := s.connectionCount[serviceID]
	if !ok {
		counts = make(map[string]*atomic.Int64)
		s.connectionCount[serviceID] = counts
	}
	return counts
}

func (s *Selector) getOrCreateCounter(counts map[string]*atomic.Int64, instanceID string) *atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := counts[instanceID]
	if !ok {
		c = &atomic.Int64{}
		counts[instanceID] = c
	}
	return c
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
