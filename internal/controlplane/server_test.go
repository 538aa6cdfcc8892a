package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/meridianmesh/discovery/internal/dispatcher"
	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/registrystore"
	"github.com/meridianmesh/discovery/internal/router"
	"github.com/meridianmesh/discovery/internal/types"
)

func testInstance(serviceID, instanceID string) types.Instance {
	return types.Instance{
		ServiceID:  serviceID,
		InstanceID: instanceID,
		Endpoint:   types.Endpoint{Scheme: "http", Host: "10.0.0.1", Port: 8080},
		Weight:     100,
		TTL:        30 * time.Second,
	}
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := registry.New(registrystore.NewMemory(), registry.DefaultConfig(), logger)
	disp := dispatcher.New(reg, router.NewSelector(150), dispatcher.DefaultConfig(), logger)
	return NewServer(reg, disp, nil, logger), reg
}

func TestHandleRegister_MintsInstanceIDWhenAbsent(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body, _ := json.Marshal(registerRequest{
		Endpoint:   endpointDTO{Scheme: "http", Host: "10.0.0.1", Port: 8080},
		TTLSeconds: 30,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/services/orders/instances", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp registerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.InstanceID == "" {
		t.Fatal("expected a minted instance_id")
	}
	if resp.TTLSeconds != 30 {
		t.Fatalf("expected ttl_seconds 30, got %d", resp.TTLSeconds)
	}
}

func TestHandleRegister_ExplicitZeroWeightIsPreserved(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	zero := 0
	body, _ := json.Marshal(registerRequest{
		Endpoint: endpointDTO{Scheme: "http", Host: "10.0.0.1", Port: 8080},
		Weight:   &zero,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/services/orders/instances", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp registerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	snap, err := reg.Snapshot("orders")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].Weight != 0 {
		t.Fatalf("expected the registered instance to keep weight 0, got %+v", snap)
	}
}

func TestHandleRegister_InvalidInstanceReturns400(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// A missing host is filled in from the caller's address, so the
	// invalid field here is the missing (zero) port.
	body, _ := json.Marshal(registerRequest{Endpoint: endpointDTO{Scheme: "http"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/services/orders/instances", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var wireErr wireError
	if err := json.Unmarshal(w.Body.Bytes(), &wireErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if wireErr.Code != "InvalidInstance" {
		t.Fatalf("expected code InvalidInstance, got %q", wireErr.Code)
	}
}

func TestHandleDeregister_UnknownInstanceReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodDelete, "/v1/instances/does-not-exist", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleResolveAndReport_RoundTrip(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	registered, err := reg.Register(context.Background(), testInstance("orders", "inst-1"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.SetStatus(context.Background(), "orders", registered.InstanceID, types.HealthHealthy); err != nil {
		t.Fatalf("set status: %v", err)
	}

	resolveReq := httptest.NewRequest(http.MethodPost, "/v1/services/orders/resolve", bytes.NewReader(nil))
	resolveW := httptest.NewRecorder()
	h.ServeHTTP(resolveW, resolveReq)

	if resolveW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resolveW.Code, resolveW.Body.String())
	}

	var resolved resolveResponse
	if err := json.Unmarshal(resolveW.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	if resolved.LeaseToken == "" {
		t.Fatal("expected a lease_token")
	}

	reportBody, _ := json.Marshal(reportRequest{Success: true})
	reportReq := httptest.NewRequest(http.MethodPost, "/v1/leases/"+resolved.LeaseToken+"/report", bytes.NewReader(reportBody))
	reportW := httptest.NewRecorder()
	h.ServeHTTP(reportW, reportReq)

	if reportW.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", reportW.Code, reportW.Body.String())
	}
}

func TestHandleResolve_UnknownServiceReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/services/unknown-service/resolve", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleListServices(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	if _, err := reg.Register(context.Background(), testInstance("orders", "inst-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/services", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp listServicesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.ServiceIDs) != 1 || resp.ServiceIDs[0] != "orders" {
		t.Fatalf("expected [orders], got %v", resp.ServiceIDs)
	}
}

func TestHandleSubscribeEvents_StreamsNDJSON(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/services/orders/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := reg.Register(context.Background(), testInstance("orders", "inst-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	scanner := bufio.NewScanner(w.Body)
	var lines int
	for scanner.Scan() {
		var ev eventDTO
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode ndjson line: %v", err)
		}
		lines++
	}
	if lines == 0 {
		t.Fatal("expected at least one streamed event")
	}
}
