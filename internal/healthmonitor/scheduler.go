package healthmonitor

import (
	"container/heap"
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/types"
)

// scheduledProbe is one entry in the scheduler's priority queue.
type scheduledProbe struct {
	instanceID string
	serviceID  string
	nextAt     time.Time

	baseInterval         time.Duration
	maxBackoffMultiplier int
	failureStreak        int // consecutive failures since the last success

	index int // heap.Interface bookkeeping
}

// probeHeap orders scheduledProbe entries by nextAt, tie-broken by
// instanceID so ordering is deterministic in tests.
type probeHeap []*scheduledProbe

func (h probeHeap) Len() int { return len(h) }
func (h probeHeap) Less(i, j int) bool {
	if h[i].nextAt.Equal(h[j].nextAt) {
		return h[i].instanceID < h[j].instanceID
	}
	return h[i].nextAt.Before(h[j].nextAt)
}
func (h probeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *probeHeap) Push(x any) {
	entry := x.(*scheduledProbe)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *probeHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// SchedulerConfig controls ProbeScheduler pacing.
type SchedulerConfig struct {
	// MaxConcurrentProbes bounds the worker pool (§4.2 "bounded concurrency").
	MaxConcurrentProbes int
	// MaxOverdueMultiple flags an instance whose probe ran this many probe
	// intervals late (logged as a warning, not a failure in itself).
	MaxOverdueMultiple int
	// TickInterval is how often the scheduler wakes to pop due work.
	TickInterval time.Duration
}

// DefaultSchedulerConfig mirrors spec.md §4.2 defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentProbes: 32,
		MaxOverdueMultiple:  3,
		TickInterval:        time.Second,
	}
}

// ProbeFunc executes one probe cycle for an instance and reports whether it
// was healthy, so the scheduler can back off a flapping instance. It is
// supplied by the owner (Worker) so the scheduler stays agnostic of
// breaker/registry wiring.
type ProbeFunc func(ctx context.Context, serviceID, instanceID string) bool

// ProbeScheduler replaces the teacher's flat per-tick fan-out
// (healthmonitor.Worker.probeAll) with a deadline-ordered priority queue:
// each instance is probed at its own spec.Interval cadence instead of every
// instance being re-probed on one global tick, and a bounded worker pool
// caps concurrent in-flight probes regardless of registry size. On
// consecutive failures an instance's cadence backs off exponentially up to
// its spec's MaxBackoffMultiplier (spec.md §4.2 "Backoff"), resetting to the
// base interval on the next success.
type ProbeScheduler struct {
	cfg    SchedulerConfig
	probe  ProbeFunc
	logger *slog.Logger

	mu      sync.Mutex
	heapIdx map[string]*scheduledProbe // instance_id -> heap entry
	pq      probeHeap

	sem chan struct{} // bounded worker pool
}

// NewProbeScheduler creates a scheduler that invokes probe for each due
// instance, respecting cfg.MaxConcurrentProbes in-flight at a time.
func NewProbeScheduler(cfg SchedulerConfig, probe ProbeFunc, logger *slog.Logger) *ProbeScheduler {
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 32
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeScheduler{
		cfg:     cfg,
		probe:   probe,
		logger:  logger,
		heapIdx: make(map[string]*scheduledProbe),
		sem:     make(chan struct{}, cfg.MaxConcurrentProbes),
	}
}

// Upsert schedules (or reschedules) an instance for its first probe,
// jittered slightly so a large fleet registered at the same instant doesn't
// all probe in lockstep, and records the base interval/backoff cap spec
// carries for later requeues.
func (s *ProbeScheduler) Upsert(serviceID, instanceID string, spec types.ProbeSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	interval := spec.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxMultiplier := spec.MaxBackoffMultiplier
	if maxMultiplier <= 0 {
		maxMultiplier = types.DefaultMaxBackoffMultiplier
	}
	jitter := time.Duration(rand.Int64N(int64(interval)/4 + 1))

	if entry, ok := s.heapIdx[instanceID]; ok {
		entry.baseInterval = interval
		entry.maxBackoffMultiplier = maxMultiplier
		if entry.index >= 0 {
			// Not currently in flight: safe to reschedule immediately.
			// An in-flight entry picks up the new interval/cap on its next
			// requeue instead.
			entry.nextAt = time.Now().Add(jitter)
			heap.Fix(&s.pq, entry.index)
		}
		return
	}

	entry := &scheduledProbe{
		instanceID:           instanceID,
		serviceID:            serviceID,
		nextAt:               time.Now().Add(jitter),
		baseInterval:         interval,
		maxBackoffMultiplier: maxMultiplier,
	}
	heap.Push(&s.pq, entry)
	s.heapIdx[instanceID] = entry
}

// Remove drops an instance from the schedule (deregister tombstone).
func (s *ProbeScheduler) Remove(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.heapIdx[instanceID]
	if !ok {
		return
	}
	if entry.index >= 0 {
		heap.Remove(&s.pq, entry.index)
	}
	delete(s.heapIdx, instanceID)
}

// Run pops due work on each tick and dispatches it to the bounded worker
// pool. It blocks until ctx is cancelled.
func (s *ProbeScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("probe scheduler starting", "max_concurrent_probes", s.cfg.MaxConcurrentProbes)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("probe scheduler stopping")
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *ProbeScheduler) dispatchDue(ctx context.Context) {
	now := time.Now()

	var due []*scheduledProbe
	s.mu.Lock()
	for s.pq.Len() > 0 && !s.pq[0].nextAt.After(now) {
		entry := heap.Pop(&s.pq).(*scheduledProbe)
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		entry := entry
		overdue := now.Sub(entry.nextAt)

		if entry.baseInterval > 0 && overdue > entry.baseInterval*time.Duration(s.cfg.MaxOverdueMultiple) {
			s.logger.Warn("probe overdue", "instance_id", entry.instanceID, "overdue_by", overdue)
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// Pool saturated: requeue at the unchanged base interval rather
			// than blocking the tick loop, so one busy interval doesn't
			// stall the scheduler. Not a probe outcome, so it must not
			// perturb the failure streak.
			s.requeueUnchanged(entry)
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			success := s.probe(ctx, entry.serviceID, entry.instanceID)
			s.requeue(entry, success)
		}()
	}
}

// requeueUnchanged reschedules entry at its current base interval without
// touching its failure streak. Used when the worker pool is saturated, since
// that isn't a probe outcome.
func (s *ProbeScheduler) requeueUnchanged(entry *scheduledProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.heapIdx[entry.instanceID]
	if !ok || cur != entry {
		return
	}

	base := entry.baseInterval
	if base <= 0 {
		base = 30 * time.Second
	}
	entry.nextAt = time.Now().Add(base)
	heap.Push(&s.pq, entry)
}

// requeue reschedules entry after a probe outcome, applying exponential
// backoff on consecutive failures and resetting to the base interval on
// success (spec.md §4.2 "Backoff").
func (s *ProbeScheduler) requeue(entry *scheduledProbe, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.heapIdx[entry.instanceID]
	if !ok || cur != entry {
		// Removed, or replaced by a newer Upsert, while the probe was in
		// flight; drop it.
		return
	}

	base := entry.baseInterval
	if base <= 0 {
		base = 30 * time.Second
	}

	if success {
		entry.failureStreak = 0
	} else {
		entry.failureStreak++
	}

	next := base * time.Duration(backoffMultiplier(entry.failureStreak, entry.maxBackoffMultiplier))
	jitter := time.Duration(rand.Int64N(int64(base)/4 + 1))

	entry.nextAt = time.Now().Add(next + jitter)
	heap.Push(&s.pq, entry)
}

// backoffMultiplier computes min(2^failureStreak, maxMultiplier), guarding
// against shift overflow for long failure streaks.
func backoffMultiplier(failureStreak, maxMultiplier int) int {
	if maxMultiplier <= 0 {
		maxMultiplier = types.DefaultMaxBackoffMultiplier
	}
	if failureStreak <= 0 {
		return 1
	}
	if failureStreak >= 31 {
		return maxMultiplier
	}
	m := 1 << uint(failureStreak)
	if m > maxMultiplier {
		return maxMultiplier
	}
	return m
}

// probeSpecFor resolves the ProbeSpec for an instance from its metadata,
// mirroring the teacher's health_check_endpoint/tcp_port convention but
// dispatching through the tagged-union ProbeSpec instead of string sniffing
// two well-known keys.
func probeSpecFor(inst types.Instance) types.ProbeSpec {
	if path, ok := inst.Metadata["health_check_endpoint"]; ok && path != "" {
		return types.DefaultHTTPProbe(path)
	}
	if _, ok := inst.Metadata["grpc_health_service"]; ok {
		return types.ProbeSpec{
			Kind:                 types.ProbeGRPC,
			GRPCServiceName:      inst.Metadata["grpc_health_service"],
			Interval:             30 * time.Second,
			Timeout:              5 * time.Second,
			FailureThreshold:     3,
			SuccessThreshold:     2,
			MaxBackoffMultiplier: types.DefaultMaxBackoffMultiplier,
		}
	}
	return types.ProbeSpec{
		Kind:                 types.ProbeTCP,
		ConnectTimeout:       3 * time.Second,
		Interval:             30 * time.Second,
		Timeout:              5 * time.Second,
		FailureThreshold:     3,
		SuccessThreshold:     2,
		MaxBackoffMultiplier: types.DefaultMaxBackoffMultiplier,
	}
}

// registryEventDriven keeps a ProbeScheduler's schedule in sync with
// registry.Event notifications instead of the teacher's full-rescan tick.
func registryEventDriven(ctx context.Context, sched *ProbeScheduler, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case registry.EventAdded:
				spec := probeSpecFor(ev.Instance)
				sched.Upsert(ev.ServiceID, ev.InstanceID, spec)
			case registry.EventRemoved:
				sched.Remove(ev.InstanceID)
			}
		}
	}
}
