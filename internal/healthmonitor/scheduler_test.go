package healthmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meridianmesh/discovery/internal/types"
)

func TestProbeScheduler_ProbesDueInstance(t *testing.T) {
	var mu sync.Mutex
	var probed []string

	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = 10 * time.Millisecond

	sched := NewProbeScheduler(cfg, func(_ context.Context, _, instanceID string) bool {
		mu.Lock()
		probed = append(probed, instanceID)
		mu.Unlock()
		return true
	}, nil)

	sched.Upsert("orders", "i1", types.ProbeSpec{Interval: 5 * time.Millisecond, MaxBackoffMultiplier: types.DefaultMaxBackoffMultiplier})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go sched.Run(ctx)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(probed) == 0 {
		t.Fatal("expected at least one probe to have run")
	}
}

func TestProbeScheduler_RemoveStopsFurtherProbes(t *testing.T) {
	var mu sync.Mutex
	count := 0

	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = 5 * time.Millisecond

	sched := NewProbeScheduler(cfg, func(_ context.Context, _, _ string) bool {
		mu.Lock()
		count++
		mu.Unlock()
		return true
	}, nil)

	sched.Upsert("orders", "i1", types.ProbeSpec{Interval: 5 * time.Millisecond, MaxBackoffMultiplier: types.DefaultMaxBackoffMultiplier})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go sched.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	sched.Remove("i1")

	mu.Lock()
	afterRemove := count
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != afterRemove {
		t.Fatalf("expected no further probes after Remove, had %d then %d", afterRemove, count)
	}
}

// Consecutive failures must push the next probe further out, capped by
// MaxBackoffMultiplier, and a success must reset the cadence back to base.
func TestProbeScheduler_RequeueAppliesBackoffAndResetsOnSuccess(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	sched := NewProbeScheduler(cfg, func(_ context.Context, _, _ string) bool { return false }, nil)

	sched.Upsert("orders", "i1", types.ProbeSpec{Interval: 10 * time.Millisecond, MaxBackoffMultiplier: 4})

	sched.mu.Lock()
	entry := sched.heapIdx["i1"]
	sched.mu.Unlock()

	// requeue schedules relative to the current time, so each delay is
	// measured from just before the call.
	start := time.Now()
	sched.requeue(entry, false)
	afterOneFailure := entry.nextAt.Sub(start)
	if afterOneFailure < 20*time.Millisecond {
		t.Fatalf("expected backoff after first failure to exceed the base interval, got %s", afterOneFailure)
	}

	start = time.Now()
	sched.requeue(entry, false)
	afterTwoFailures := entry.nextAt.Sub(start)
	if afterTwoFailures < 40*time.Millisecond {
		t.Fatalf("expected backoff to keep growing on a second failure, got %s", afterTwoFailures)
	}

	// Enough failures to saturate the cap.
	for i := 0; i < 5; i++ {
		sched.requeue(entry, false)
	}
	if entry.failureStreak == 0 {
		t.Fatal("expected failureStreak to keep incrementing on repeated failures")
	}

	sched.requeue(entry, true)
	if entry.failureStreak != 0 {
		t.Fatalf("expected a success to reset failureStreak, got %d", entry.failureStreak)
	}
}

func TestProbeHeap_OrdersByNextAtThenInstanceID(t *testing.T) {
	now := time.Now()
	h := probeHeap{
		{instanceID: "b", nextAt: now},
		{instanceID: "a", nextAt: now},
		{instanceID: "c", nextAt: now.Add(-time.Second)},
	}

	if !h.Less(2, 0) {
		t.Fatal("expected the earlier nextAt to sort first")
	}
	if !h.Less(1, 0) {
		t.Fatal("expected equal nextAt to tie-break by instanceID")
	}
}
