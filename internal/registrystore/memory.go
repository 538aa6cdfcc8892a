package registrystore

import (
	"context"
	"sync"

	"github.com/meridianmesh/discovery/internal/types"
)

// Memory is a zero-dependency Store used in tests and standalone mode. It
// is crash-safe only for the lifetime of the process.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]types.Instance // keyed by instance_id
}

// NewMemory creates an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{instances: make(map[string]types.Instance)}
}

func (m *Memory) Put(_ context.Context, inst types.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.InstanceID] = inst
	return nil
}

func (m *Memory) Delete(_ context.Context, _, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
	return nil
}

func (m *Memory) LoadAll(_ context.Context) ([]types.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out, nil
}
