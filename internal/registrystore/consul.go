// Consul-backed Store, adapted from the teacher's internal/consul/registry.go:
// TTL health checks still back Consul's own liveness view, but the
// generic Instance record (weight, version, ttl, heartbeat timestamps) is
// round-tripped through the service Meta map the way the teacher already
// stashed extra fields there (health_check_endpoint, tcp_port, lb_strategy).
package registrystore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/meridianmesh/discovery/internal/types"
)

// reserved Meta keys used to round-trip fields Consul doesn't model natively.
const (
	metaWeight    = "_meridianmesh_weight"
	metaVersion   = "_meridianmesh_version"
	metaTTL       = "_meridianmesh_ttl_seconds"
	metaScheme    = "_meridianmesh_scheme"
	metaRegAt     = "_meridianmesh_registered_at"
	metaHeartbeat = "_meridianmesh_last_heartbeat_at"
)

// Consul is a Store backed by a Consul agent, using TTL health checks for
// Consul's own view of liveness (the Registry applies its own TTL policy
// independently on top of the durable record).
type Consul struct {
	client *api.Client
	logger *slog.Logger
}

// NewConsul creates a Consul-backed Store using the given agent address.
func NewConsul(addr string, logger *slog.Logger) (*Consul, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	return &Consul{client: client, logger: logger}, nil
}

func (c *Consul) Put(_ context.Context, inst types.Instance) error {
	ttl := inst.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ttlWithBuffer := ttl + 5*time.Second
	if ttlWithBuffer < 10*time.Second {
		ttlWithBuffer = 10 * time.Second
	}

	meta := make(map[string]string, len(inst.Metadata)+6)
	for k, v := range inst.Metadata {
		meta[k] = v
	}
	meta[metaWeight] = strconv.Itoa(inst.Weight)
	meta[metaVersion] = strconv.FormatUint(inst.Version, 10)
	meta[metaTTL] = strconv.FormatInt(int64(ttl/time.Second), 10)
	meta[metaScheme] = inst.Endpoint.Scheme
	meta[metaRegAt] = inst.RegisteredAt.UTC().Format(time.RFC3339)
	meta[metaHeartbeat] = inst.LastHeartbeatAt.UTC().Format(time.RFC3339)

	checkID := fmt.Sprintf("service:%s", inst.InstanceID)
	reg := &api.AgentServiceRegistration{
		ID:      inst.InstanceID,
		Name:    inst.ServiceID,
		Address: inst.Endpoint.Host,
		Port:    inst.Endpoint.Port,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID,
			Name:                           fmt.Sprintf("%s TTL Health", inst.ServiceID),
			TTL:                            ttlWithBuffer.String(),
			DeregisterCriticalServiceAfter: (1 * time.Minute).String(),
		},
	}

	if err := c.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul put: %w", err)
	}

	if err := c.passTTLFor(inst.Health, checkID); err != nil {
		c.logger.Warn("failed to sync consul TTL check", "instance_id", inst.InstanceID, "error", err)
	}
	return nil
}

func (c *Consul) passTTLFor(status types.HealthStatus, checkID string) error {
	switch status {
	case types.HealthUnhealthy:
		return c.client.Agent().FailTTL(checkID, "unhealthy")
	case types.HealthDegraded:
		return c.client.Agent().WarnTTL(checkID, "degraded")
	default:
		return c.client.Agent().PassTTL(checkID, "ok")
	}
}

func (c *Consul) Delete(_ context.Context, _, instanceID string) error {
	if err := c.client.Agent().ServiceDeregister(instanceID); err != nil {
		return fmt.Errorf("consul delete: %w", err)
	}
	return nil
}

func (c *Consul) LoadAll(_ context.Context) ([]types.Instance, error) {
	services, _, err := c.client.Catalog().Services(nil)
	if err != nil {
		return nil, fmt.Errorf("consul list services: %w", err)
	}

	var out []types.Instance
	for name := range services {
		if name == "consul" {
			continue
		}

		entries, _, err := c.client.Health().Service(name, "", false, nil)
		if err != nil {
			return nil, fmt.Errorf("consul load instances %s: %w", name, err)
		}

		for _, entry := range entries {
			out = append(out, instanceFromCatalog(entry))
		}
	}
	return out, nil
}

func instanceFromCatalog(entry *api.ServiceEntry) types.Instance {
	meta := make(types.Metadata, len(entry.Service.Meta))
	for k, v := range entry.Service.Meta {
		switch k {
		case metaWeight, metaVersion, metaTTL, metaScheme, metaRegAt, metaHeartbeat:
			continue
		}
		meta[k] = v
	}

	weight, _ := strconv.Atoi(entry.Service.Meta[metaWeight])
	version, _ := strconv.ParseUint(entry.Service.Meta[metaVersion], 10, 64)
	ttlSeconds, _ := strconv.ParseInt(entry.Service.Meta[metaTTL], 10, 64)
	regAt, _ := time.Parse(time.RFC3339, entry.Service.Meta[metaRegAt])
	heartbeatAt, _ := time.Parse(time.RFC3339, entry.Service.Meta[metaHeartbeat])
	scheme := entry.Service.Meta[metaScheme]
	if scheme == "" {
		scheme = "http"
	}

	return types.Instance{
		ServiceID:       entry.Service.Service,
		InstanceID:      entry.Service.ID,
		Endpoint:        types.Endpoint{Scheme: scheme, Host: entry.Service.Address, Port: entry.Service.Port},
		Weight:          weight,
		Metadata:        meta,
		TTL:             time.Duration(ttlSeconds) * time.Second,
		RegisteredAt:    regAt,
		LastHeartbeatAt: heartbeatAt,
		Health:          mapConsulHealth(entry.Checks),
		Version:         version,
	}
}

func mapConsulHealth(checks api.HealthChecks) types.HealthStatus {
	if len(checks) == 0 {
		return types.HealthUnknown
	}

	for _, c := range checks {
		if c.Status == "critical" || c.Status == "maintenance" {
			return types.HealthUnhealthy
		}
	}
	for _, c := range checks {
		if c.Status == "warning" {
			return types.HealthDegraded
		}
	}

	for _, c := range checks {
		if c.Status != "passing" {
			return types.HealthUnknown
		}
	}
	return types.HealthHealthy
}
