// Package metrics wraps the prometheus counters/gauges the control plane
// exposes at /metrics (spec.md §6's observability note): resolve outcomes,
// breaker trips, registry size, and probe failures.
//
// Grounded on telemetry.NewPlanMetrics's registerer-accepting, collector-caching
// constructor shape, adapted from a single histogram to the handful of
// counters/gauges this domain needs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the control plane emits. A nil *Metrics is
// safe to call methods on — every method is a no-op — so components that
// don't wire metrics in (e.g. unit tests) don't need a stub.
type Metrics struct {
	resolveTotal  *prometheus.CounterVec
	reportTotal   *prometheus.CounterVec
	breakerTrips  prometheus.Counter
	probeFailures prometheus.Counter
	registrySize  prometheus.Gauge
}

// New creates and registers every collector against registerer. Passing
// nil registers against prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		resolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_resolve_total",
			Help: "Resolve calls by outcome (ok, or the wire error code such as NoAvailableInstance or UnknownService).",
		}, []string{"outcome"}),
		reportTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_report_total",
			Help: "Report calls by success/failure outcome.",
		}, []string{"outcome"}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_breaker_trips_total",
			Help: "Number of times a circuit breaker transitioned to Open.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_probe_failures_total",
			Help: "Health probe failures across all instances.",
		}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_registry_instances",
			Help: "Current number of instances held by the registry.",
		}),
	}

	registerOrReuse(registerer, &m.resolveTotal)
	registerOrReuse(registerer, &m.reportTotal)
	registerOrReuse(registerer, &m.breakerTrips)
	registerOrReuse(registerer, &m.probeFailures)
	registerOrReuse(registerer, &m.registrySize)

	return m
}

// registerOrReuse registers *collector and, if something with the same
// name was already registered against registerer (e.g. a second Metrics
// built against prometheus.DefaultRegisterer in a test process), swaps
// *collector for the existing one instead of panicking.
func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, collector *C) {
	if err := registerer.Register(*collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				*collector = existing
			}
		}
	}
}

// ObserveResolve records one Resolve call's outcome.
func (m *Metrics) ObserveResolve(outcome string) {
	if m == nil {
		return
	}
	m.resolveTotal.WithLabelValues(outcome).Inc()
}

// ObserveReport records one Report call's outcome.
func (m *Metrics) ObserveReport(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.reportTotal.WithLabelValues(outcome).Inc()
}

// IncBreakerTrip records a breaker transitioning to Open.
func (m *Metrics) IncBreakerTrip() {
	if m == nil {
		return
	}
	m.breakerTrips.Inc()
}

// IncProbeFailure records one failed health probe.
func (m *Metrics) IncProbeFailure() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}

// SetRegistrySize reports the registry's current instance count.
func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}
