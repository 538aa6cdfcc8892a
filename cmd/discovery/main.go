package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/meridianmesh/discovery/internal/controlplane"
	"github.com/meridianmesh/discovery/internal/dispatcher"
	"github.com/meridianmesh/discovery/internal/messaging"
	"github.com/meridianmesh/discovery/internal/metrics"
	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/registrystore"
	"github.com/meridianmesh/discovery/internal/router"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port := envOr("DISCOVERY_PORT", "8080")
	grpcPort := envOr("DISCOVERY_GRPC_PORT", "9090")
	rabbitURL := os.Getenv("RABBITMQ_URL")

	store, storeKind, err := openStore(logger)
	if err != nil {
		return fmt.Errorf("registry store: %w", err)
	}

	reg := registry.New(store, registry.DefaultConfig(), logger)
	if err := reg.Load(context.Background()); err != nil {
		return fmt.Errorf("registry load: %w", err)
	}

	// RabbitMQ publisher (no-op if URL is empty).
	publisher, err := messaging.NewPublisher(rabbitURL, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq publisher: %w", err)
	}
	defer publisher.Close()

	selector := router.NewSelector(150)
	disp := dispatcher.New(reg, selector, dispatcher.DefaultConfig(), logger)
	m := metrics.New(prometheus.DefaultRegisterer)
	disp.SetMetrics(m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// This process owns TTL sweeping; cmd/healthmonitor and cmd/gateway only
	// read and write through the same durable store.
	go reg.Run(ctx)

	go reportRegistrySize(ctx, reg, m)

	// JSON-over-HTTP control-plane surface (spec's "HTTP/gRPC edge binds
	// them to URLs" binding).
	cp := controlplane.NewServer(reg, disp, m, logger)
	mux := http.NewServeMux()
	mux.Handle("/", cp.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SubscribeEvents streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	// gRPC server carries only the standard health/reflection services —
	// liveness probing for orchestrators that expect a gRPC health check,
	// not a custom registry RPC surface.
	grpcServer := grpc.NewServer()
	healthSvc := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down discovery server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
	}()

	go func() {
		logger.Info("discovery grpc health service starting", "port", grpcPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()

	logger.Info("discovery server starting", "port", port, "registry_store", storeKind)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// reportRegistrySize polls the registry's total instance count into the
// discovery_registry_instances gauge until ctx is cancelled.
func reportRegistrySize(ctx context.Context, reg *registry.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, serviceID := range reg.ListServices() {
				if instances, err := reg.Snapshot(serviceID); err == nil {
					total += len(instances)
				}
			}
			m.SetRegistrySize(total)
		}
	}
}

// openStore selects the registrystore.Store backend from REGISTRY_STORE
// ("memory", "redis", "consul"; default "memory"), matching the selection
// cmd/healthmonitor and cmd/gateway make from the same env var so all three
// processes can share one durable registry.
func openStore(logger *slog.Logger) (registrystore.Store, string, error) {
	switch kind := envOr("REGISTRY_STORE", "memory"); kind {
	case "redis":
		store, err := registrystore.NewRedis(envOr("REDIS_URL", "redis://localhost:6379/0"))
		return store, kind, err
	case "consul":
		store, err := registrystore.NewConsul(envOr("CONSUL_ADDRESS", "http://localhost:8500"), logger)
		return store, kind, err
	default:
		return registrystore.NewMemory(), "memory", nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
