package controlplane

import "github.com/meridianmesh/discovery/internal/types"

// endpointDTO is the wire shape of types.Endpoint.
type endpointDTO struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

func (e endpointDTO) toEndpoint() types.Endpoint {
	return types.Endpoint{Scheme: e.Scheme, Host: e.Host, Port: e.Port}
}

func endpointToDTO(e types.Endpoint) endpointDTO {
	return endpointDTO{Scheme: e.Scheme, Host: e.Host, Port: e.Port}
}

// registerRequest is the Register wire input (spec §6's Instance, without
// an instance_id when the caller wants one minted). Weight is a pointer so
// an explicit {"weight":0} (legal per I3: never selected by weighted
// strategies) is distinguishable from an omitted field, which should
// default to types.DefaultWeight instead.
type registerRequest struct {
	InstanceID string            `json:"instance_id,omitempty"`
	Endpoint   endpointDTO       `json:"endpoint"`
	Weight     *int              `json:"weight,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
}

// registerResponse is the Register wire output: {instance_id, ttl}.
type registerResponse struct {
	InstanceID string `json:"instance_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// heartbeatRequest carries nothing beyond the path's instance_id today but
// keeps a body so a future field (e.g. reported load) doesn't break callers.
type heartbeatRequest struct{}

// resolveRequest is the Resolve wire input: policy and request_key are both
// optional, defaulting to round_robin and an empty hash key respectively.
type resolveRequest struct {
	Policy     string `json:"policy,omitempty"`
	RequestKey string `json:"request_key,omitempty"`
}

// resolveResponse is the Resolve wire output: {endpoint, lease_token}.
type resolveResponse struct {
	Endpoint   endpointDTO `json:"endpoint"`
	InstanceID string      `json:"instance_id"`
	LeaseToken string      `json:"lease_token"`
	Stale      bool        `json:"stale"`
}

// reportRequest is the Report wire input.
type reportRequest struct {
	Success bool `json:"success"`
}

// listServicesResponse is the ListServices wire output.
type listServicesResponse struct {
	ServiceIDs []string `json:"service_ids"`
}

// eventDTO is one line of a SubscribeEvents NDJSON stream.
type eventDTO struct {
	Kind       string      `json:"kind"`
	ServiceID  string      `json:"service_id,omitempty"`
	InstanceID string      `json:"instance_id,omitempty"`
	Endpoint   endpointDTO `json:"endpoint,omitempty"`
	Health     string      `json:"health,omitempty"`
	Version    uint64      `json:"version,omitempty"`
}
