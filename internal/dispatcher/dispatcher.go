// Package dispatcher implements the resolve()/report() glue (spec.md §4.5):
// it snapshots the Registry, filters candidates through each instance's
// CircuitBreaker, hands the survivors to a router.Selector, and tracks the
// resulting lease until the caller reports an outcome or the lease expires.
//
// Grounded on gateway/proxy.go's breaker-map + retry-loop structure, with
// the actual HTTP forwarding stripped out — the core does not proxy
// (spec.md §1 Non-goals). What's adapted is the breaker lookup and the
// structured logging shape; the Dispatcher itself does no retries. Lease
// tracking and outcome reporting are new.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmesh/discovery/internal/healthmonitor"
	"github.com/meridianmesh/discovery/internal/metrics"
	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/router"
	"github.com/meridianmesh/discovery/internal/types"
)

var (
	// ErrNoHealthyInstance is returned by Resolve when no candidate
	// survives health and circuit-breaker filtering (and last-resort mode
	// is disabled or also found nothing).
	ErrNoHealthyInstance = errors.New("no healthy instance available")
	// ErrUnknownLease is returned by Report for a lease_token that was
	// never issued, already reported, or already force-failed on timeout.
	ErrUnknownLease = errors.New("unknown or expired lease")
)

// Config controls Dispatcher policy.
type Config struct {
	// EnableLastResort opts into spec.md §4.5's degraded fallback: when no
	// instance survives breaker filtering, every health-selectable instance
	// is handed to the Selector with the requested strategy regardless of
	// its breaker state, and the result is marked Stale=true. Candidates are
	// not ordered by breaker state or failure rate. Off by default (§9 Open
	// Question, resolved).
	EnableLastResort bool
	// OutcomeReportTimeout bounds how long a caller has to Report before
	// the lease is force-failed (P7).
	OutcomeReportTimeout time.Duration
	Breaker              healthmonitor.BreakerConfig
	DefaultStrategy      router.Strategy
}

// DefaultConfig mirrors spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		EnableLastResort:     false,
		OutcomeReportTimeout: 30 * time.Second,
		Breaker:              healthmonitor.DefaultBreakerConfig(),
		DefaultStrategy:      router.RoundRobin,
	}
}

// Outcome is the caller's report of how a dispatched request went.
type Outcome struct {
	Success bool
}

// ResolveResult is returned by Resolve: the chosen instance, a lease token
// the caller must Report against, and whether this was a last-resort pick.
type ResolveResult struct {
	Instance   types.Instance
	LeaseToken string
	Stale      bool
}

type lease struct {
	serviceID  string
	instanceID string
	timer      *time.Timer
	reported   bool
}

// Dispatcher is the resolve/report glue sitting between the Registry,
// per-instance CircuitBreakers, and the Selector.
type Dispatcher struct {
	reg      *registry.Registry
	selector *router.Selector
	cfg      Config
	logger   *slog.Logger

	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*healthmonitor.CircuitBreaker // instance_id -> breaker
	leases   map[string]*lease                        // lease_token -> lease
}

// SetMetrics attaches a metrics sink; omitting it leaves breaker
// instrumentation as a no-op.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// New creates a Dispatcher.
func New(reg *registry.Registry, selector *router.Selector, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reg:      reg,
		selector: selector,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*healthmonitor.CircuitBreaker),
		leases:   make(map[string]*lease),
	}
}

// Resolve picks one instance of serviceID using strategy, gated by each
// candidate's CircuitBreaker (P7: only instances with a closed or
// half-open-admitted breaker are eligible). On success it returns a lease
// token that must be reported via Report within OutcomeReportTimeout.
func (d *Dispatcher) Resolve(ctx context.Context, serviceID string, strategy router.Strategy, sctx router.SelectContext) (ResolveResult, error) {
	snapshot, err := d.reg.Snapshot(serviceID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("dispatcher resolve: %w", err)
	}

	var selectable []types.Instance
	for _, inst := range snapshot {
		if !inst.Health.Selectable() {
			continue
		}
		if d.getBreaker(inst.InstanceID).Allow() {
			selectable = append(selectable, inst)
		}
	}

	stale := false
	if len(selectable) == 0 {
		if !d.cfg.EnableLastResort {
			return ResolveResult{}, ErrNoHealthyInstance
		}
		for _, inst := range snapshot {
			if inst.Health.Selectable() {
				selectable = append(selectable, inst)
			}
		}
		if len(selectable) == 0 {
			return ResolveResult{}, ErrNoHealthyInstance
		}
		stale = true
		d.logger.Warn("serving last-resort instance, all candidates circuit-open", "service_id", serviceID)
	}

	picked, ok := d.selector.Select(serviceID, selectable, strategy, sctx)
	if !ok {
		return ResolveResult{}, ErrNoHealthyInstance
	}

	token := uuid.NewString()
	d.trackLease(token, serviceID, picked.InstanceID)

	return ResolveResult{Instance: *picked, LeaseToken: token, Stale: stale}, nil
}

// Report records the outcome of a dispatched request against its breaker
// and releases any least-connections bookkeeping the Selector held for it.
func (d *Dispatcher) Report(leaseToken string, outcome Outcome) error {
	d.mu.Lock()
	l, ok := d.leases[leaseToken]
	if ok {
		if l.reported {
			d.mu.Unlock()
			return ErrUnknownLease
		}
		l.reported = true
		l.timer.Stop()
		delete(d.leases, leaseToken)
	}
	d.mu.Unlock()

	if !ok {
		return ErrUnknownLease
	}

	d.applyOutcome(l.serviceID, l.instanceID, outcome.Success)
	return nil
}

func (d *Dispatcher) applyOutcome(serviceID, instanceID string, success bool) {
	breaker := d.getBreaker(instanceID)
	if success {
		breaker.RecordSuccess()
	} else {
		reopenedBefore := breaker.ReopenCount()
		breaker.RecordFailure()
		if breaker.ReopenCount() > reopenedBefore {
			d.metrics.IncBreakerTrip()
		}
	}
	d.selector.Release(serviceID, instanceID)
}

func (d *Dispatcher) trackLease(token, serviceID, instanceID string) {
	l := &lease{serviceID: serviceID, instanceID: instanceID}

	d.mu.Lock()
	d.leases[token] = l
	d.mu.Unlock()

	l.timer = time.AfterFunc(d.cfg.OutcomeReportTimeout, func() {
		d.mu.Lock()
		cur, ok := d.leases[token]
		if !ok || cur.reported {
			d.mu.Unlock()
			return
		}
		cur.reported = true
		delete(d.leases, token)
		d.mu.Unlock()

		d.logger.Warn("lease outcome not reported before timeout, forcing failure",
			"service_id", serviceID, "instance_id", instanceID)
		d.applyOutcome(serviceID, instanceID, false)
	})
}

func (d *Dispatcher) getBreaker(instanceID string) *healthmonitor.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[instanceID]; ok {
		return cb
	}
	cb := healthmonitor.NewCircuitBreakerWithConfig(d.cfg.Breaker)
	d.breakers[instanceID] = cb
	return cb
}
