// Package controlplane binds the Registry and Dispatcher to the wire
// surface described in spec.md §6: one JSON-over-HTTP mux carrying
// Register, Deregister, Heartbeat, Resolve, Report, ListServices, and
// SubscribeEvents. It deliberately owns no business logic of its own —
// every handler is a thin translation between the HTTP request/response
// shape and the Registry/Dispatcher calls already implementing §4.
package controlplane

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianmesh/discovery/internal/dispatcher"
	"github.com/meridianmesh/discovery/internal/metrics"
	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/router"
	"github.com/meridianmesh/discovery/internal/types"
)

// Server wires the control-plane HTTP surface to its backing Registry and
// Dispatcher.
type Server struct {
	reg        *registry.Registry
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewServer creates a Server. reg and dispatcher must share the same
// underlying Registry instance the dispatcher was constructed with. m may
// be nil (metrics become no-ops).
func NewServer(reg *registry.Registry, disp *dispatcher.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{reg: reg, dispatcher: disp, metrics: m, logger: logger}
}

// Handler builds the mux. Mounted under whatever prefix the caller chooses
// (cmd/discovery mounts it at the root).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/services/{service_id}/instances", s.handleRegister)
	mux.HandleFunc("DELETE /v1/instances/{instance_id}", s.handleDeregister)
	mux.HandleFunc("POST /v1/instances/{instance_id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/services/{service_id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /v1/leases/{lease_token}/report", s.handleReport)
	mux.HandleFunc("GET /v1/services", s.handleListServices)
	mux.HandleFunc("GET /v1/services/{service_id}/events", s.handleSubscribeEvents)

	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("service_id")

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInstance", "malformed request body")
		return
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	endpoint := req.Endpoint.toEndpoint()
	endpoint.Host = resolveHost(r, endpoint.Host)

	weight := types.UnsetWeight
	if req.Weight != nil {
		weight = *req.Weight
	}

	inst := types.Instance{
		ServiceID:  serviceID,
		InstanceID: instanceID,
		Endpoint:   endpoint,
		Weight:     weight,
		Metadata:   types.Metadata(req.Metadata),
	}
	if req.TTLSeconds > 0 {
		inst.TTL = time.Duration(req.TTLSeconds) * time.Second
	}

	registered, err := s.reg.Register(r.Context(), inst)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		InstanceID: registered.InstanceID,
		TTLSeconds: int(registered.TTL / time.Second),
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	serviceID, ok := s.reg.ServiceForInstance(instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "instance not found")
		return
	}

	if err := s.reg.Deregister(r.Context(), serviceID, instanceID); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	serviceID, ok := s.reg.ServiceForInstance(instanceID)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "instance not found")
		return
	}

	if err := s.reg.Heartbeat(r.Context(), serviceID, instanceID); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("service_id")

	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInstance", "malformed request body")
			return
		}
	}

	strategy := router.RoundRobin
	if req.Policy != "" {
		strategy = router.ParseStrategy(req.Policy)
	}

	result, err := s.dispatcher.Resolve(r.Context(), serviceID, strategy, router.SelectContext{RequestKey: req.RequestKey})
	if err != nil {
		_, code := classify(err)
		s.metrics.ObserveResolve(code)
		s.writeRegistryError(w, err)
		return
	}
	s.metrics.ObserveResolve("ok")

	writeJSON(w, http.StatusOK, resolveResponse{
		Endpoint:   endpointToDTO(result.Instance.Endpoint),
		InstanceID: result.Instance.InstanceID,
		LeaseToken: result.LeaseToken,
		Stale:      result.Stale,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	leaseToken := r.PathValue("lease_token")

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidInstance", "malformed request body")
		return
	}

	if err := s.dispatcher.Report(leaseToken, dispatcher.Outcome{Success: req.Success}); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	s.metrics.ObserveReport(req.Success)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listServicesResponse{ServiceIDs: s.reg.ListServices()})
}

// handleSubscribeEvents streams registry.Event as NDJSON, one object per
// line, flushed after every write so a long-lived client sees events as
// they happen rather than buffered until the connection closes.
func (s *Server) handleSubscribeEvents(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("service_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}

	events := s.reg.Subscribe(r.Context(), serviceID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		dto := eventDTO{
			Kind:       ev.Kind.String(),
			ServiceID:  ev.ServiceID,
			InstanceID: ev.InstanceID,
			Health:     ev.Instance.Health.String(),
			Version:    ev.Version,
		}
		if ev.Kind != registry.EventGap {
			dto.Endpoint = endpointToDTO(ev.Instance.Endpoint)
		}
		if err := enc.Encode(dto); err != nil {
			s.logger.Warn("subscribe stream write failed", "service_id", serviceID, "error", err)
			return
		}
		flusher.Flush()
	}
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// resolveHost replaces a loopback/unspecified requested host with the
// caller's real address, so a service registering "0.0.0.0" or "127.0.0.1"
// (common when the instance doesn't know its own routable IP) still ends
// up resolvable from other instances.
func resolveHost(r *http.Request, requested string) string {
	if isRoutable(requested) {
		return requested
	}

	if callerHost := requestIP(r); isRoutable(callerHost) {
		return callerHost
	}

	if requested != "" {
		return requested
	}
	return "127.0.0.1"
}

func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(host)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isRoutable(addr string) bool {
	if addr == "" || addr == "0.0.0.0" || addr == "::" {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return true // hostname, assume routable
	}
	return !ip.IsLoopback() && !ip.IsUnspecified()
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, wireError{Code: code, Message: message})
}
