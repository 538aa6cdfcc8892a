package types

import (
	"fmt"
	"time"
)

// maxMetadataValueBytes bounds a single metadata value, per the wire-format
// invariant in the control-plane spec (metadata values <= 4 KiB).
const maxMetadataValueBytes = 4 << 10

// maxIdentifierBytes bounds ServiceId/InstanceId length.
const maxIdentifierBytes = 256

// Endpoint is the network location of one service instance.
type Endpoint struct {
	Scheme string // http, https, grpc, tcp
	Host   string
	Port   int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// UnsetWeight is the sentinel Weight value meaning "caller did not specify a
// weight" (distinct from an explicit weight of 0, which is legal per I3).
// Register resolves it to DefaultWeight; it must never reach a Selector.
const UnsetWeight = -1

// DefaultWeight is the weight Register assigns when the caller passes
// UnsetWeight.
const DefaultWeight = 100

// Metadata is a flat string-to-string label set. Nested structures are
// rejected at ingest (see ValidateMetadata) so a Registry snapshot clone
// stays cheap, per I4.
type Metadata map[string]string

// ValidateMetadata enforces the per-value size bound from the wire-format
// invariants. Nesting is structurally impossible since Metadata is already
// map[string]string.
func ValidateMetadata(m Metadata) error {
	for k, v := range m {
		if len(v) > maxMetadataValueBytes {
			return fmt.Errorf("metadata value for key %q exceeds %d bytes", k, maxMetadataValueBytes)
		}
	}
	return nil
}

// Instance is one registered endpoint of a service. It is treated as a
// value: Registry hands out copies, never pointers into its own map, so a
// Selector's view is immutable for the duration of one selection (I4).
type Instance struct {
	ServiceID  string
	InstanceID string
	Endpoint   Endpoint

	// Weight is UnsetWeight until Register resolves it to an explicit value.
	// Zero is legal (I3): weighted strategies never pick it, but round_robin
	// and friends still see it. Never coerce a zero weight to DefaultWeight —
	// only UnsetWeight means "caller didn't specify one".
	Weight int

	Metadata Metadata

	TTL         time.Duration
	RegisteredAt time.Time
	LastHeartbeatAt time.Time

	Health HealthStatus

	// Version increases strictly on every mutation of this record (I5, P8).
	Version uint64

	// PendingPersist is true while a store write is being retried after a
	// failure; the instance is still visible in snapshots but is not yet
	// durable (see Registry failure semantics).
	PendingPersist bool
}

// ValidateForRegister checks the fields required to accept a new
// registration, independent of any strict-mode duplicate check (which the
// Registry performs, since it requires cross-instance knowledge).
func (i Instance) ValidateForRegister() error {
	if i.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if len(i.ServiceID) > maxIdentifierBytes {
		return fmt.Errorf("service_id exceeds %d bytes", maxIdentifierBytes)
	}
	if i.InstanceID != "" && len(i.InstanceID) > maxIdentifierBytes {
		return fmt.Errorf("instance_id exceeds %d bytes", maxIdentifierBytes)
	}
	if i.Endpoint.Host == "" {
		return fmt.Errorf("endpoint host is required")
	}
	if i.Endpoint.Port <= 0 {
		return fmt.Errorf("endpoint port must be positive")
	}
	switch i.Endpoint.Scheme {
	case "http", "https", "grpc", "tcp":
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", i.Endpoint.Scheme)
	}
	if i.Weight < UnsetWeight {
		return fmt.Errorf("weight must be %d (unset) or >= 0", UnsetWeight)
	}
	return ValidateMetadata(i.Metadata)
}

// EffectiveWeight returns Weight. By the time an Instance reaches a
// Selector, Register has already resolved UnsetWeight to DefaultWeight, so
// this is a plain accessor: weight 0 is excluded by the weighted strategies
// themselves (I3), not by this method.
func (i Instance) EffectiveWeight() int {
	return i.Weight
}
