package healthmonitor

import (
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, requests pass through
	BreakerOpen                         // Tripped, all requests fail fast
	BreakerHalfOpen                     // Testing, up to HalfOpenProbes requests allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls CircuitBreaker policy. WindowSize bounds how many
// recent outcomes feed FailureThreshold (a rolling window rather than a
// purely consecutive count). ReopenBackoffMultiplier grows RecoveryTimeout
// on each consecutive re-open, up to MaxRecoveryTimeout. HalfOpenProbes caps
// how many trial calls may be in flight concurrently while half-open.
type BreakerConfig struct {
	FailureThreshold        int
	SuccessThreshold        int
	WindowSize              int
	RecoveryTimeout         time.Duration
	ReopenBackoffMultiplier float64
	MaxRecoveryTimeout      time.Duration
	HalfOpenProbes          int
}

// DefaultBreakerConfig mirrors spec.md §6 defaults (failure_threshold=5,
// recovery_timeout=60s, success_threshold=3, half_open_probes=1).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:        5,
		SuccessThreshold:        3,
		WindowSize:              10,
		RecoveryTimeout:         60 * time.Second,
		ReopenBackoffMultiplier: 2,
		MaxRecoveryTimeout:      10 * time.Minute,
		HalfOpenProbes:          1,
	}
}

// CircuitBreaker tracks the last WindowSize outcomes in a ring buffer and
// opens once FailureThreshold of them are failures. Half-open admits up to
// HalfOpenProbes concurrent trial calls and requires SuccessThreshold
// consecutive successes to close. Each re-open multiplies the recovery
// timeout by ReopenBackoffMultiplier, capped at MaxRecoveryTimeout, so a
// flapping instance backs off instead of being re-probed at a fixed cadence
// forever.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	state BreakerState
	now   func() time.Time // for testing

	outcomes    []bool // ring buffer of recent outcomes, true = success
	outcomeHead int
	outcomeLen  int

	recoveryCount      int // consecutive successes in half-open
	halfOpenAdmitted   int // trial calls admitted since entering half-open
	openedAt           time.Time
	currentRecoveryDur time.Duration
	reopenCount        int
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// failures within the default rolling window and stays open for
// recoveryTimeout before transitioning to half-open. Recovery requires 1
// consecutive success in half-open.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = failureThreshold
	cfg.SuccessThreshold = 1
	cfg.RecoveryTimeout = recoveryTimeout
	return NewCircuitBreakerWithConfig(cfg)
}

// NewCircuitBreakerWithRecovery creates a breaker like NewCircuitBreaker but
// requires recoveryThreshold consecutive successes in half-open before closing.
func NewCircuitBreakerWithRecovery(failureThreshold, recoveryThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = failureThreshold
	cfg.SuccessThreshold = recoveryThreshold
	cfg.RecoveryTimeout = recoveryTimeout
	return NewCircuitBreakerWithConfig(cfg)
}

// NewCircuitBreakerWithConfig creates a breaker from a full BreakerConfig.
func NewCircuitBreakerWithConfig(cfg BreakerConfig) *CircuitBreaker {
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.WindowSize < cfg.FailureThreshold {
		cfg.WindowSize = cfg.FailureThreshold
	}
	if cfg.ReopenBackoffMultiplier < 1 {
		cfg.ReopenBackoffMultiplier = 1
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		cfg:                cfg,
		state:              BreakerClosed,
		now:                time.Now,
		outcomes:           make([]bool, cfg.WindowSize),
		currentRecoveryDur: cfg.RecoveryTimeout,
	}
}

// Allow reports whether a request/probe should proceed. In half-open state
// up to cfg.HalfOpenProbes callers may be admitted concurrently; further
// callers are refused until an outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.currentRecoveryDur {
			cb.state = BreakerHalfOpen
			cb.halfOpenAdmitted = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenAdmitted < cb.cfg.HalfOpenProbes {
			cb.halfOpenAdmitted++ // counts trials currently in flight
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful outcome. In half-open state the
// breaker closes only after SuccessThreshold consecutive successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pushOutcome(true)

	if cb.state == BreakerHalfOpen {
		cb.recoveryCount++
		if cb.halfOpenAdmitted > 0 {
			cb.halfOpenAdmitted--
		}
		if cb.recoveryCount >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.recoveryCount = 0
			cb.reopenCount = 0
			cb.currentRecoveryDur = cb.cfg.RecoveryTimeout
			cb.halfOpenAdmitted = 0
		}
		return
	}

	cb.state = BreakerClosed
	cb.halfOpenAdmitted = 0
}

// RecordFailure records a failed outcome. Opens the circuit if the rolling
// window now holds FailureThreshold or more failures, or immediately on
// any failure while half-open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pushOutcome(false)
	cb.recoveryCount = 0

	if cb.state == BreakerHalfOpen {
		cb.open()
		return
	}
	if cb.windowFailures() >= cb.cfg.FailureThreshold {
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.reopenCount++
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.halfOpenAdmitted = 0

	dur := cb.cfg.RecoveryTimeout
	for i := 1; i < cb.reopenCount; i++ {
		dur = time.Duration(float64(dur) * cb.cfg.ReopenBackoffMultiplier)
		if cb.cfg.MaxRecoveryTimeout > 0 && dur > cb.cfg.MaxRecoveryTimeout {
			dur = cb.cfg.MaxRecoveryTimeout
			break
		}
	}
	cb.currentRecoveryDur = dur
}

func (cb *CircuitBreaker) pushOutcome(success bool) {
	cb.outcomes[cb.outcomeHead] = success
	cb.outcomeHead = (cb.outcomeHead + 1) % len(cb.outcomes)
	if cb.outcomeLen < len(cb.outcomes) {
		cb.outcomeLen++
	}
}

func (cb *CircuitBreaker) windowFailures() int {
	failures := 0
	for i := 0; i < cb.outcomeLen; i++ {
		if !cb.outcomes[i] {
			failures++
		}
	}
	return failures
}

// State returns the current breaker state, applying the time-based
// Open -> HalfOpen transition if due.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.currentRecoveryDur {
		cb.state = BreakerHalfOpen
	}
	return cb.state
}

// ReopenCount returns how many times this breaker has transitioned to Open
// since it last closed (closing resets it to 0).
func (cb *CircuitBreaker) ReopenCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.reopenCount
}
