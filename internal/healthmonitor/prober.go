package healthmonitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/meridianmesh/discovery/internal/types"
)

// ProbeResult carries the outcome of a single probe execution.
type ProbeResult struct {
	Status  HealthStatus
	Message string
}

// ProbeTransport executes one ProbeSpec against one endpoint. It exists so
// tests can substitute a fake transport instead of dialing real sockets.
type ProbeTransport interface {
	Probe(ctx context.Context, endpoint types.Endpoint, spec types.ProbeSpec) ProbeResult
}

// HealthProber is the default ProbeTransport, implementing the three probe
// kinds named in spec.md §4.2: HTTP (status-range check), TCP (connect
// check), and gRPC (standard health-checking protocol via grpc_health_v1,
// reusing the grpc/health dependency the discovery server already carries
// for its own liveness endpoint).
type HealthProber struct {
	httpClient *http.Client
}

// NewHealthProber creates a HealthProber. httpClient may be nil, in which
// case one http.Client with no timeout of its own is shared by all probes
// and each probe is bounded by its context.
func NewHealthProber(httpClient *http.Client) *HealthProber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HealthProber{httpClient: httpClient}
}

// Probe dispatches to the probe kind named in spec.
func (p *HealthProber) Probe(ctx context.Context, endpoint types.Endpoint, spec types.ProbeSpec) ProbeResult {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch spec.Kind {
	case types.ProbeHTTP:
		return p.httpProbe(ctx, endpoint, spec)
	case types.ProbeTCP:
		return p.tcpProbe(ctx, endpoint, spec)
	case types.ProbeGRPC:
		return p.grpcProbe(ctx, endpoint, spec)
	default:
		return ProbeResult{Status: types.HealthUnknown, Message: "no probe configured"}
	}
}

func (p *HealthProber) httpProbe(ctx context.Context, endpoint types.Endpoint, spec types.ProbeSpec) ProbeResult {
	scheme := endpoint.Scheme
	if scheme == "" || scheme == "grpc" || scheme == "tcp" {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, endpoint.Host, endpoint.Port, spec.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Status: types.HealthUnhealthy, Message: fmt.Sprintf("request error: %v", err)}
	}

	client := p.httpClient
	if !spec.FollowRedirects {
		client = &http.Client{
			Timeout: p.httpClient.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{Status: types.HealthUnhealthy, Message: fmt.Sprintf("probe failed: %v", err)}
	}
	defer resp.Body.Close()

	if spec.StatusInRange(resp.StatusCode) {
		return ProbeResult{Status: types.HealthHealthy, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return ProbeResult{Status: types.HealthUnhealthy, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
}

func (p *HealthProber) tcpProbe(ctx context.Context, endpoint types.Endpoint, spec types.ProbeSpec) ProbeResult {
	timeout := spec.ConnectTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	addr := net.JoinHostPort(endpoint.Host, fmt.Sprintf("%d", endpoint.Port))
	var d net.Dialer
	d.Timeout = timeout

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProbeResult{Status: types.HealthUnhealthy, Message: fmt.Sprintf("TCP connection failed: %v", err)}
	}
	conn.Close()
	return ProbeResult{Status: types.HealthHealthy, Message: "TCP connection successful"}
}

func (p *HealthProber) grpcProbe(ctx context.Context, endpoint types.Endpoint, spec types.ProbeSpec) ProbeResult {
	addr := net.JoinHostPort(endpoint.Host, fmt.Sprintf("%d", endpoint.Port))

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return ProbeResult{Status: types.HealthUnhealthy, Message: fmt.Sprintf("dial failed: %v", err)}
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: spec.GRPCServiceName})
	if err != nil {
		return ProbeResult{Status: types.HealthUnhealthy, Message: fmt.Sprintf("health check rpc failed: %v", err)}
	}

	switch resp.Status {
	case grpc_health_v1.HealthCheckResponse_SERVING:
		return ProbeResult{Status: types.HealthHealthy, Message: "SERVING"}
	default:
		return ProbeResult{Status: types.HealthUnhealthy, Message: resp.Status.String()}
	}
}
