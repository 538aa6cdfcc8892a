package gateway

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/meridianmesh/discovery/internal/registry"
)

// Backend represents a single healthy service instance that can receive traffic.
type Backend struct {
	ServiceID string
	Address   string // full URL: scheme://host:port
}

// ServiceRoute holds the backends for a single service.
type ServiceRoute struct {
	ServiceName string
	Backends    []Backend
}

// RouteTable maintains a dynamic mapping of service names to healthy backends,
// refreshed periodically from the shared Registry. The gateway is an
// illustrative, optional data-plane consumer: it does not own the Registry,
// it only re-reads its durable store on each tick the way the teacher
// re-polled Consul, so a gateway process and a discovery process can run
// independently against the same backing registrystore.Store.
type RouteTable struct {
	registry *registry.Registry
	config   RoutingConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	routes map[string]*ServiceRoute // keyed by lowercase service name
}

// NewRouteTable creates a RouteTable that will reload reg on the given interval.
func NewRouteTable(reg *registry.Registry, config RoutingConfig, logger *slog.Logger) *RouteTable {
	return &RouteTable{
		registry: reg,
		config:   config,
		logger:   logger,
		routes:   make(map[string]*ServiceRoute),
	}
}

// Run starts the background refresh loop. Blocks until ctx is cancelled.
func (rt *RouteTable) Run(ctx context.Context) {
	rt.refresh(ctx)

	ticker := time.NewTicker(rt.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.refresh(ctx)
		}
	}
}

// Lookup returns a random healthy backend for the given service name, or nil.
func (rt *RouteTable) Lookup(serviceName string) *Backend {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	route, ok := rt.routes[strings.ToLower(serviceName)]
	if !ok || len(route.Backends) == 0 {
		return nil
	}

	// Simple random selection (YARP default is round-robin, but random is
	// sufficient for the initial port — the router package has full LB).
	idx := rand.IntN(len(route.Backends))
	return &route.Backends[idx]
}

// Services returns the list of currently routed service names.
func (rt *RouteTable) Services() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	names := make([]string, 0, len(rt.routes))
	for _, route := range rt.routes {
		names = append(names, route.ServiceName)
	}
	return names
}

// Prefix returns the normalized route prefix (e.g. "/api/").
func (rt *RouteTable) Prefix() string {
	return normalizePrefix(rt.config.RoutePrefix)
}

func (rt *RouteTable) refresh(ctx context.Context) {
	if err := rt.registry.Load(ctx); err != nil {
		rt.logger.Error("failed to reload registry store", "error", err)
		return
	}

	services := rt.registry.ListServices()
	newRoutes := make(map[string]*ServiceRoute, len(services))

	for _, serviceName := range services {
		instances, err := rt.registry.Snapshot(serviceName)
		if err != nil {
			rt.logger.Error("failed to snapshot service", "service", serviceName, "error", err)
			continue
		}

		var backends []Backend
		for _, inst := range instances {
			if !inst.Health.Selectable() {
				continue
			}

			backends = append(backends, Backend{
				ServiceID: inst.InstanceID,
				Address:   inst.Endpoint.String(),
			})
		}

		if len(backends) == 0 {
			rt.logger.Warn("no healthy instances", "service", serviceName)
			continue
		}

		newRoutes[strings.ToLower(serviceName)] = &ServiceRoute{
			ServiceName: serviceName,
			Backends:    backends,
		}
	}

	rt.mu.Lock()
	rt.routes = newRoutes
	rt.mu.Unlock()

	rt.logger.Info("route table refreshed", "services", len(newRoutes))
}

// normalizePrefix ensures the prefix starts and ends with "/".
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// ParseServiceFromPath extracts the service name from a request path given a prefix.
// For example, with prefix "/api/" and path "/api/my-service/foo/bar",
// returns ("my-service", "/foo/bar", true).
func ParseServiceFromPath(prefix, path string) (serviceName, remainder string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}

	rest := path[len(prefix):]
	if rest == "" {
		return "", "", false
	}

	// Split on first "/".
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, "/", true
	}
	return rest[:idx], rest[idx:], true
}

// BuildBackendURL constructs the full backend URL for a request.
func BuildBackendURL(backendAddr, remainder, rawQuery string) string {
	u, err := url.Parse(backendAddr)
	if err != nil {
		return backendAddr + remainder
	}
	u.Path = remainder
	u.RawQuery = rawQuery
	return u.String()
}
