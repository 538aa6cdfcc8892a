// Package registry implements the in-memory service registry core: the
// authoritative index of registered instances, their TTL-driven eviction,
// and a subscribe/event feed for consumers (the control plane's
// SubscribeEvents stream, the healthmonitor's probe scheduler).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianmesh/discovery/internal/registrystore"
	"github.com/meridianmesh/discovery/internal/types"
)

// Config controls Registry policy not carried on individual instances.
type Config struct {
	// DefaultTTL is used when Register does not specify one.
	DefaultTTL time.Duration
	// SweepInterval bounds how often the TTL sweeper runs; the Registry
	// additionally clamps it to at most half of the smallest TTL currently
	// held so a short-TTL instance is never evicted many intervals late.
	SweepInterval time.Duration
	// GracePeriod extends last_heartbeat_at before an instance is marked
	// Unhealthy: the sweeper transitions it once now - last_heartbeat_at
	// exceeds ttl + GracePeriod (I2).
	GracePeriod time.Duration
	// EvictionDelay extends the Unhealthy window further before the
	// instance is actually removed: eviction happens once
	// now - last_heartbeat_at exceeds ttl + GracePeriod + EvictionDelay (P2).
	EvictionDelay time.Duration
	// StrictMode rejects a second Register for an already-registered
	// (service_id, endpoint) instead of the default last-writer-wins.
	StrictMode bool
	// StoreRetries bounds durable-write retry attempts before a mutation
	// is rolled back and ErrStoreUnavailable is returned.
	StoreRetries int
	// StoreRetryBackoff is the delay between durable-write retry attempts.
	StoreRetryBackoff time.Duration
}

// DefaultConfig mirrors the defaults in spec.md §6 / the original
// implementation's ServiceDiscoveryConfig.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:        30 * time.Second,
		SweepInterval:     5 * time.Second,
		GracePeriod:       15 * time.Second,
		EvictionDelay:     5 * time.Second,
		StrictMode:        false,
		StoreRetries:      3,
		StoreRetryBackoff: 200 * time.Millisecond,
	}
}

type serviceIndex struct {
	mu        sync.RWMutex
	instances map[string]types.Instance // instance_id -> Instance
}

// Registry is the authoritative, process-local index of service instances.
// It is backed by a registrystore.Store for durability but serves all reads
// from memory.
type Registry struct {
	config Config
	store  registrystore.Store
	logger *slog.Logger
	now    func() time.Time

	servicesMu    sync.RWMutex
	services      map[string]*serviceIndex // service_id -> index
	instanceIndex map[string]string        // instance_id -> service_id, for the wire API's instance_id-only operations

	subsMu sync.Mutex
	subs   map[string]map[*subscription]struct{} // service_id -> subscriber set; "" = all services

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Registry backed by store. Call Run to start the TTL
// sweeper; Register/Heartbeat/etc. work before Run is called but instances
// will not expire until it is running.
func New(store registrystore.Store, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		config:        cfg,
		store:         store,
		logger:        logger,
		now:           time.Now,
		services:      make(map[string]*serviceIndex),
		instanceIndex: make(map[string]string),
		subs:          make(map[string]map[*subscription]struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Load reads every durable record from the store into memory. Call once at
// startup before serving traffic.
func (r *Registry) Load(ctx context.Context) error {
	instances, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("registry load: %w", err)
	}

	for _, inst := range instances {
		idx := r.indexFor(inst.ServiceID)
		idx.mu.Lock()
		idx.instances[inst.InstanceID] = inst
		idx.mu.Unlock()

		r.servicesMu.Lock()
		r.instanceIndex[inst.InstanceID] = inst.ServiceID
		r.servicesMu.Unlock()
	}

	r.logger.Info("registry loaded", "instance_count", len(instances))
	return nil
}

// ServiceForInstance looks up the service_id owning instanceID, for the
// wire API's instance_id-only operations (Deregister, Heartbeat).
func (r *Registry) ServiceForInstance(instanceID string) (string, bool) {
	r.servicesMu.RLock()
	defer r.servicesMu.RUnlock()
	serviceID, ok := r.instanceIndex[instanceID]
	return serviceID, ok
}

func (r *Registry) indexFor(serviceID string) *serviceIndex {
	r.servicesMu.RLock()
	idx, ok := r.services[serviceID]
	r.servicesMu.RUnlock()
	if ok {
		return idx
	}

	r.servicesMu.Lock()
	defer r.servicesMu.Unlock()
	if idx, ok := r.services[serviceID]; ok {
		return idx
	}
	idx = &serviceIndex{instances: make(map[string]types.Instance)}
	r.services[serviceID] = idx
	return idx
}

// Register admits a new instance or re-registers an existing instance_id,
// bumping its version (I5). Under StrictMode, registering a
// (service_id, endpoint) pair already held by a different instance_id
// returns ErrDuplicateEndpoint; otherwise the newer registration wins.
func (r *Registry) Register(ctx context.Context, inst types.Instance) (types.Instance, error) {
	if err := inst.ValidateForRegister(); err != nil {
		return types.Instance{}, fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}

	if inst.Weight == types.UnsetWeight {
		inst.Weight = types.DefaultWeight
	}
	if inst.TTL <= 0 {
		inst.TTL = r.config.DefaultTTL
	}

	idx := r.indexFor(inst.ServiceID)

	idx.mu.Lock()
	if r.config.StrictMode {
		for id, existing := range idx.instances {
			if id != inst.InstanceID && existing.Endpoint == inst.Endpoint {
				idx.mu.Unlock()
				return types.Instance{}, fmt.Errorf("%w: %s", ErrDuplicateEndpoint, inst.Endpoint)
			}
		}
	}

	now := r.now()
	existing, hadExisting := idx.instances[inst.InstanceID]
	if hadExisting {
		inst.Version = existing.Version + 1
		if inst.RegisteredAt.IsZero() {
			inst.RegisteredAt = existing.RegisteredAt
		}
	} else {
		inst.Version = 1
		if inst.RegisteredAt.IsZero() {
			inst.RegisteredAt = now
		}
	}
	inst.LastHeartbeatAt = now
	inst.PendingPersist = true
	idx.instances[inst.InstanceID] = inst
	idx.mu.Unlock()

	if err := r.persistWithRetry(ctx, inst); err != nil {
		idx.mu.Lock()
		if hadExisting {
			idx.instances[inst.InstanceID] = existing
		} else {
			delete(idx.instances, inst.InstanceID)
		}
		idx.mu.Unlock()
		return types.Instance{}, err
	}

	inst.PendingPersist = false
	idx.mu.Lock()
	idx.instances[inst.InstanceID] = inst
	idx.mu.Unlock()

	r.servicesMu.Lock()
	r.instanceIndex[inst.InstanceID] = inst.ServiceID
	r.servicesMu.Unlock()

	r.publish(Event{Kind: EventAdded, ServiceID: inst.ServiceID, InstanceID: inst.InstanceID, Instance: inst, Version: inst.Version})
	r.logger.Info("instance registered", "service_id", inst.ServiceID, "instance_id", inst.InstanceID, "version", inst.Version)
	return inst, nil
}

// Deregister removes an instance immediately (explicit shutdown path,
// distinct from TTL expiry).
func (r *Registry) Deregister(ctx context.Context, serviceID, instanceID string) error {
	idx := r.indexFor(serviceID)

	idx.mu.Lock()
	inst, ok := idx.instances[instanceID]
	if !ok {
		idx.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, serviceID, instanceID)
	}
	delete(idx.instances, instanceID)
	idx.mu.Unlock()

	if err := r.deleteWithRetry(ctx, serviceID, instanceID); err != nil {
		idx.mu.Lock()
		idx.instances[instanceID] = inst
		idx.mu.Unlock()
		return err
	}

	r.servicesMu.Lock()
	delete(r.instanceIndex, instanceID)
	r.servicesMu.Unlock()

	r.publish(Event{Kind: EventRemoved, ServiceID: serviceID, InstanceID: instanceID, Instance: inst, Version: inst.Version})
	r.logger.Info("instance deregistered", "service_id", serviceID, "instance_id", instanceID)
	return nil
}

// Heartbeat refreshes an instance's TTL clock. ErrExpired indicates the
// instance was already evicted and the caller must Register again.
func (r *Registry) Heartbeat(ctx context.Context, serviceID, instanceID string) error {
	idx := r.indexFor(serviceID)

	idx.mu.Lock()
	inst, ok := idx.instances[instanceID]
	if !ok {
		idx.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrExpired, serviceID, instanceID)
	}
	prev := inst
	inst.LastHeartbeatAt = r.now()
	inst.Version++
	idx.instances[instanceID] = inst
	idx.mu.Unlock()

	if err := r.persistWithRetry(ctx, inst); err != nil {
		idx.mu.Lock()
		idx.instances[instanceID] = prev
		idx.mu.Unlock()
		return err
	}
	return nil
}

// SetStatus updates an instance's health (from a probe result or an
// operator-initiated drain) and bumps its version.
func (r *Registry) SetStatus(ctx context.Context, serviceID, instanceID string, status types.HealthStatus) error {
	idx := r.indexFor(serviceID)

	idx.mu.Lock()
	inst, ok := idx.instances[instanceID]
	if !ok {
		idx.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, serviceID, instanceID)
	}
	if inst.Health == status {
		idx.mu.Unlock()
		return nil
	}
	prev := inst
	inst.Health = status
	inst.Version++
	idx.instances[instanceID] = inst
	idx.mu.Unlock()

	if err := r.persistWithRetry(ctx, inst); err != nil {
		idx.mu.Lock()
		idx.instances[instanceID] = prev
		idx.mu.Unlock()
		return err
	}

	r.publish(Event{Kind: EventHealthChanged, ServiceID: serviceID, InstanceID: instanceID, Instance: inst, Version: inst.Version})
	return nil
}

// Snapshot returns a point-in-time copy of every instance for a service,
// safe to range over without holding any Registry lock (I4).
func (r *Registry) Snapshot(serviceID string) ([]types.Instance, error) {
	r.servicesMu.RLock()
	idx, ok := r.services[serviceID]
	r.servicesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]types.Instance, 0, len(idx.instances))
	for _, inst := range idx.instances {
		out = append(out, inst)
	}
	return out, nil
}

// ListServices returns every known service_id, including ones currently
// holding zero instances.
func (r *Registry) ListServices() []string {
	r.servicesMu.RLock()
	defer r.servicesMu.RUnlock()

	out := make([]string, 0, len(r.services))
	for id := range r.services {
		out = append(out, id)
	}
	return out
}

// Subscribe returns a channel of Events for serviceID ("" subscribes to
// every service). The channel is closed when ctx is cancelled or Stop is
// called. Callers that fall behind the internal buffer receive an EventGap
// marker in place of the dropped events instead of blocking the Registry's
// mutation path.
func (r *Registry) Subscribe(ctx context.Context, serviceID string) <-chan Event {
	sub := newSubscription()

	r.subsMu.Lock()
	set, ok := r.subs[serviceID]
	if !ok {
		set = make(map[*subscription]struct{})
		r.subs[serviceID] = set
	}
	set[sub] = struct{}{}
	r.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.stopCh:
		}
		r.subsMu.Lock()
		delete(r.subs[serviceID], sub)
		r.subsMu.Unlock()
		sub.close()
	}()

	return sub.ch
}

func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for sub := range r.subs[ev.ServiceID] {
		sub.deliver(ev)
	}
	for sub := range r.subs[""] {
		sub.deliver(ev)
	}
}

// Run starts the TTL sweeper; it blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.doneCh)

	interval := r.sweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("registry sweeper starting", "sweep_interval", interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry sweeper stopping")
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop signals the sweeper loop and any Subscribe goroutines to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) sweepInterval() time.Duration {
	interval := r.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	minTTL := time.Duration(0)
	r.servicesMu.RLock()
	for _, idx := range r.services {
		idx.mu.RLock()
		for _, inst := range idx.instances {
			if minTTL == 0 || inst.TTL < minTTL {
				minTTL = inst.TTL
			}
		}
		idx.mu.RUnlock()
	}
	r.servicesMu.RUnlock()

	if minTTL > 0 && minTTL/2 < interval {
		interval = minTTL / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// sweep implements the two-stage expiry algorithm (I2, P2): an instance
// whose heartbeat has stalled past ttl+GracePeriod is marked Unhealthy but
// kept in the index; only once it has also stalled past
// ttl+GracePeriod+EvictionDelay is it actually removed.
func (r *Registry) sweep(ctx context.Context) {
	now := r.now()

	r.servicesMu.RLock()
	indexes := make(map[string]*serviceIndex, len(r.services))
	for id, idx := range r.services {
		indexes[id] = idx
	}
	r.servicesMu.RUnlock()

	for serviceID, idx := range indexes {
		var unhealthy []types.Instance
		var expired []types.Instance

		idx.mu.Lock()
		for id, inst := range idx.instances {
			if inst.TTL <= 0 {
				continue
			}
			staleFor := now.Sub(inst.LastHeartbeatAt)

			if staleFor > inst.TTL+r.config.GracePeriod+r.config.EvictionDelay {
				expired = append(expired, inst)
				delete(idx.instances, id)
				continue
			}

			if staleFor > inst.TTL+r.config.GracePeriod && inst.Health != types.HealthUnhealthy {
				inst.Health = types.HealthUnhealthy
				inst.Version++
				idx.instances[id] = inst
				unhealthy = append(unhealthy, inst)
			}
		}
		idx.mu.Unlock()

		for _, inst := range unhealthy {
			if err := r.persistWithRetry(ctx, inst); err != nil {
				r.logger.Warn("failed to persist TTL-driven unhealthy transition", "service_id", serviceID, "instance_id", inst.InstanceID, "error", err)
			}
			r.publish(Event{Kind: EventHealthChanged, ServiceID: serviceID, InstanceID: inst.InstanceID, Instance: inst, Version: inst.Version})
			r.logger.Info("instance marked unhealthy by TTL sweeper", "service_id", serviceID, "instance_id", inst.InstanceID)
		}

		for _, inst := range expired {
			if err := r.deleteWithRetry(ctx, serviceID, inst.InstanceID); err != nil {
				r.logger.Warn("failed to persist TTL eviction", "service_id", serviceID, "instance_id", inst.InstanceID, "error", err)
			}
			r.servicesMu.Lock()
			delete(r.instanceIndex, inst.InstanceID)
			r.servicesMu.Unlock()
			r.publish(Event{Kind: EventRemoved, ServiceID: serviceID, InstanceID: inst.InstanceID, Instance: inst, Version: inst.Version})
			r.logger.Info("instance expired", "service_id", serviceID, "instance_id", inst.InstanceID)
		}
	}
}

func (r *Registry) persistWithRetry(ctx context.Context, inst types.Instance) error {
	retries := r.config.StoreRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := r.store.Put(ctx, inst); err != nil {
			lastErr = err
			r.logger.Warn("store put failed", "instance_id", inst.InstanceID, "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
			case <-time.After(r.config.StoreRetryBackoff):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (r *Registry) deleteWithRetry(ctx context.Context, serviceID, instanceID string) error {
	retries := r.config.StoreRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := r.store.Delete(ctx, serviceID, instanceID); err != nil {
			lastErr = err
			r.logger.Warn("store delete failed", "instance_id", instanceID, "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
			case <-time.After(r.config.StoreRetryBackoff):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}
