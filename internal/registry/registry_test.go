package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianmesh/discovery/internal/registrystore"
	"github.com/meridianmesh/discovery/internal/types"
)

func testInstance(serviceID, instanceID string, port int) types.Instance {
	return types.Instance{
		ServiceID:  serviceID,
		InstanceID: instanceID,
		Endpoint:   types.Endpoint{Scheme: "http", Host: "10.0.0.1", Port: port},
		Weight:     types.UnsetWeight,
	}
}

func newTestRegistry(cfg Config) *Registry {
	return New(registrystore.NewMemory(), cfg, nil)
}

func TestRegistry_RegisterAssignsVersionOne(t *testing.T) {
	r := newTestRegistry(DefaultConfig())

	inst, err := r.Register(context.Background(), testInstance("orders", "i1", 8080))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.Version != 1 {
		t.Fatalf("expected version 1, got %d", inst.Version)
	}
	if inst.Weight != 100 {
		t.Fatalf("expected default weight 100, got %d", inst.Weight)
	}
}

func TestRegistry_RegisterPreservesExplicitZeroWeight(t *testing.T) {
	r := newTestRegistry(DefaultConfig())

	inst := testInstance("orders", "i1", 8080)
	inst.Weight = 0

	registered, err := r.Register(context.Background(), inst)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registered.Weight != 0 {
		t.Fatalf("expected explicit weight 0 to be preserved, got %d", registered.Weight)
	}
}

func TestRegistry_ReregisterBumpsVersionMonotonically(t *testing.T) {
	r := newTestRegistry(DefaultConfig())
	ctx := context.Background()

	first, err := r.Register(ctx, testInstance("orders", "i1", 8080))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	second, err := r.Register(ctx, testInstance("orders", "i1", 8081))
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if second.Version <= first.Version {
		t.Fatalf("expected version to increase, got %d -> %d", first.Version, second.Version)
	}
}

func TestRegistry_StrictModeRejectsDuplicateEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictMode = true
	r := newTestRegistry(cfg)
	ctx := context.Background()

	if _, err := r.Register(ctx, testInstance("orders", "i1", 8080)); err != nil {
		t.Fatalf("register i1: %v", err)
	}

	_, err := r.Register(ctx, testInstance("orders", "i2", 8080))
	if !errors.Is(err, ErrDuplicateEndpoint) {
		t.Fatalf("expected ErrDuplicateEndpoint, got %v", err)
	}
}

func TestRegistry_LastWriterWinsWhenNotStrict(t *testing.T) {
	r := newTestRegistry(DefaultConfig())
	ctx := context.Background()

	if _, err := r.Register(ctx, testInstance("orders", "i1", 8080)); err != nil {
		t.Fatalf("register i1: %v", err)
	}
	if _, err := r.Register(ctx, testInstance("orders", "i2", 8080)); err != nil {
		t.Fatalf("register i2 with same endpoint: %v", err)
	}

	snap, err := r.Snapshot("orders")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected both instances retained, got %d", len(snap))
	}
}

func TestRegistry_HeartbeatOnUnknownInstanceExpires(t *testing.T) {
	r := newTestRegistry(DefaultConfig())

	err := r.Heartbeat(context.Background(), "orders", "ghost")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRegistry_DeregisterRemovesInstance(t *testing.T) {
	r := newTestRegistry(DefaultConfig())
	ctx := context.Background()

	if _, err := r.Register(ctx, testInstance("orders", "i1", 8080)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deregister(ctx, "orders", "i1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	snap, err := r.Snapshot("orders")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot, got %d", len(snap))
	}
}

func TestRegistry_SnapshotUnknownServiceErrors(t *testing.T) {
	r := newTestRegistry(DefaultConfig())

	if _, err := r.Snapshot("nope"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestRegistry_SetStatusPublishesHealthChanged(t *testing.T) {
	r := newTestRegistry(DefaultConfig())
	ctx := context.Background()

	if _, err := r.Register(ctx, testInstance("orders", "i1", 8080)); err != nil {
		t.Fatalf("register: %v", err)
	}

	events := r.Subscribe(ctx, "orders")

	if err := r.SetStatus(ctx, "orders", "i1", types.HealthHealthy); err != nil {
		t.Fatalf("set status: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventHealthChanged {
			t.Fatalf("expected EventHealthChanged, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

// TTL expiry end-to-end: an instance whose heartbeat clock stalls past
// ttl+grace_period is marked Unhealthy but kept; only once it has also
// stalled past ttl+grace_period+eviction_delay is it evicted and a Removed
// event published (I2, P2, §8 Scenario 5).
func TestRegistry_TTLSweepMarksUnhealthyThenEvicts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.GracePeriod = 20 * time.Millisecond
	cfg.EvictionDelay = 20 * time.Millisecond
	store := registrystore.NewMemory()
	r := New(store, cfg, nil)

	base := time.Now()
	r.now = func() time.Time { return base }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := testInstance("orders", "i1", 8080)
	inst.TTL = 20 * time.Millisecond
	if _, err := r.Register(ctx, inst); err != nil {
		t.Fatalf("register: %v", err)
	}

	events := r.Subscribe(ctx, "orders")

	go r.Run(ctx)
	defer r.Stop()

	// Past ttl+grace_period (40ms) but before ttl+grace_period+eviction_delay
	// (60ms): expect an Unhealthy transition, instance still present.
	r.now = func() time.Time { return base.Add(45 * time.Millisecond) }

	select {
	case ev := <-events:
		if ev.Kind != EventHealthChanged {
			t.Fatalf("expected EventHealthChanged, got %v", ev.Kind)
		}
		if ev.Instance.Health != types.HealthUnhealthy {
			t.Fatalf("expected Unhealthy, got %v", ev.Instance.Health)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhealthy transition event")
	}

	snap, err := r.Snapshot("orders")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected instance still present during grace window, got %d", len(snap))
	}

	// Past ttl+grace_period+eviction_delay (60ms): expect removal.
	r.now = func() time.Time { return base.Add(100 * time.Millisecond) }

	select {
	case ev := <-events:
		if ev.Kind != EventRemoved {
			t.Fatalf("expected EventRemoved, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TTL eviction event")
	}

	snap, err = r.Snapshot("orders")
	if err != nil {
		t.Fatalf("snapshot after eviction: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot after eviction, got %d", len(snap))
	}
}

func TestSubscription_DropsOldestAndMarksGapOnOverflow(t *testing.T) {
	sub := newSubscription()

	for i := 0; i < defaultSubscriberBuffer+5; i++ {
		sub.deliver(Event{Kind: EventAdded, InstanceID: "i"})
	}

	sawGap := false
	for i := 0; i < defaultSubscriberBuffer; i++ {
		ev := <-sub.ch
		if ev.Kind == EventGap {
			sawGap = true
			break
		}
	}
	if !sawGap {
		t.Fatal("expected a Gap event after overflowing the subscriber buffer")
	}
}
