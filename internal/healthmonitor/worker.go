package healthmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meridianmesh/discovery/internal/messaging"
	"github.com/meridianmesh/discovery/internal/metrics"
	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/types"
)

// Worker is the background health probe service. It subscribes to the
// Registry's event feed to keep a ProbeScheduler in sync, probes each due
// instance through a ProbeTransport, and gates outcomes through a
// per-instance CircuitBreaker before writing the result back to the
// Registry and the local read cache.
type Worker struct {
	reg       *registry.Registry
	publisher *messaging.Publisher
	cache     *Cache
	config    Config
	logger    *slog.Logger
	client    *http.Client
	prober    ProbeTransport
	sched     *ProbeScheduler
	metrics   *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// SetMetrics attaches a metrics sink; omitting it leaves probe/breaker
// instrumentation as a no-op.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// NewWorker creates a HealthMonitor probe worker bound to reg.
func NewWorker(reg *registry.Registry, publisher *messaging.Publisher, cache *Cache, config Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		reg:       reg,
		publisher: publisher,
		cache:     cache,
		config:    config,
		logger:    logger,
		client:    &http.Client{Timeout: config.HTTPTimeout},
		breakers:  make(map[string]*CircuitBreaker),
	}
	w.prober = NewHealthProber(w.client)
	w.sched = NewProbeScheduler(DefaultSchedulerConfig(), w.probeOne, logger)
	return w
}

// Run seeds the scheduler from the Registry's current contents, starts the
// registry-event listener that keeps the schedule in sync thereafter
// (replacing the teacher's full-rescan tick with deadline-ordered, per
// instance cadences), and runs the scheduler until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("health probe worker starting",
		"failure_threshold", w.config.FailureThreshold,
		"recovery_threshold", w.config.RecoveryThreshold,
	)

	for _, serviceID := range w.reg.ListServices() {
		instances, err := w.reg.Snapshot(serviceID)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			spec := probeSpecFor(inst)
			w.sched.Upsert(inst.ServiceID, inst.InstanceID, spec)
		}
	}

	events := w.reg.Subscribe(ctx, "")
	go registryEventDriven(ctx, w.sched, events)

	w.sched.Run(ctx)
	w.logger.Info("health probe worker stopping")
}

// probeOne runs one probe cycle and reports whether the instance is healthy,
// which the ProbeScheduler uses to drive its per-instance backoff.
func (w *Worker) probeOne(ctx context.Context, serviceID, instanceID string) bool {
	instances, err := w.reg.Snapshot(serviceID)
	if err != nil {
		return false
	}

	var inst types.Instance
	var found bool
	for _, candidate := range instances {
		if candidate.InstanceID == instanceID {
			inst = candidate
			found = true
			break
		}
	}
	if !found {
		return false
	}

	breaker := w.getBreaker(instanceID)

	if !breaker.Allow() {
		w.updateStatus(ctx, inst, types.HealthUnhealthy, "circuit-breaker", "circuit open due to repeated failures")
		return false
	}

	spec := probeSpecFor(inst)
	result := w.prober.Probe(ctx, inst.Endpoint, spec)

	healthy := result.Status == types.HealthHealthy
	if healthy {
		breaker.RecordSuccess()
	} else {
		w.metrics.IncProbeFailure()
		reopenedBefore := breaker.ReopenCount()
		breaker.RecordFailure()
		if breaker.ReopenCount() > reopenedBefore {
			w.metrics.IncBreakerTrip()
		}
	}

	w.updateStatus(ctx, inst, result.Status, spec.Kind.String(), result.Message)
	return healthy
}

func (w *Worker) updateStatus(ctx context.Context, inst types.Instance, status types.HealthStatus, probeType, message string) {
	// Probes keep running against a Draining instance, but their results
	// never move it out of Draining.
	if inst.Health == types.HealthDraining {
		return
	}

	previousStatus := w.cache.PreviousStatus(inst.InstanceID)

	w.cache.Update(
		inst.InstanceID, inst.ServiceID,
		inst.Endpoint.Host, inst.Endpoint.Port,
		status, probeType, message,
		inst.Metadata,
	)

	if err := w.reg.SetStatus(ctx, inst.ServiceID, inst.InstanceID, status); err != nil {
		w.logger.Warn("failed to write back probe status", "instance_id", inst.InstanceID, "error", err)
	}

	if previousStatus != status && previousStatus != types.HealthUnknown {
		_ = w.publisher.Publish(ctx, messaging.ServiceHealthChangedEvent{
			EventID:           fmt.Sprintf("%d", time.Now().UnixNano()),
			Timestamp:         time.Now().UTC(),
			ServiceID:         inst.ServiceID,
			ServiceName:       inst.ServiceID,
			PreviousStatus:    previousStatus.String(),
			CurrentStatus:     status.String(),
			HealthCheckOutput: message,
		})
	}
}

func (w *Worker) getBreaker(instanceID string) *CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[instanceID]; ok {
		return cb
	}

	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = w.config.FailureThreshold
	cfg.SuccessThreshold = w.config.RecoveryThreshold
	cb := NewCircuitBreakerWithConfig(cfg)
	w.breakers[instanceID] = cb
	return cb
}
