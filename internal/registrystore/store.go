// Package registrystore defines the durable-storage boundary the Registry
// writes through on every mutation and rehydrates from on startup. Snapshot
// and other reads are served from memory and never touch a Store; only
// Registry.Load (at startup, and on every cmd/gateway route refresh) and
// Registry mutations (put/delete) cross this interface.
package registrystore

import (
	"context"

	"github.com/meridianmesh/discovery/internal/types"
)

// Store is the narrow durability contract Registry consumes. Implementations
// must be crash-safe: a Put that returns nil must survive process restart
// (spec.md "RegistryStore" contract, §6).
type Store interface {
	// Put durably writes (or overwrites) one instance record, keyed by
	// InstanceID. The primary key convention is
	// services/{service_id}/instances/{instance_id}.
	Put(ctx context.Context, inst types.Instance) error

	// Delete removes a durable instance record. Deleting an instance that
	// does not exist is not an error.
	Delete(ctx context.Context, serviceID, instanceID string) error

	// LoadAll returns every durable instance record, used by Registry.Load
	// to rehydrate the in-memory Registry.
	LoadAll(ctx context.Context) ([]types.Instance, error)
}
