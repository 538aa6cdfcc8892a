package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianmesh/discovery/internal/healthmonitor"
	"github.com/meridianmesh/discovery/internal/messaging"
	"github.com/meridianmesh/discovery/internal/metrics"
	"github.com/meridianmesh/discovery/internal/registry"
	"github.com/meridianmesh/discovery/internal/registrystore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port := envOr("HEALTHMONITOR_PORT", "8081")
	rabbitURL := os.Getenv("RABBITMQ_URL")

	cfg := healthmonitor.DefaultConfig()
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_PROBE_INTERVAL_SECONDS")); err == nil && v > 0 {
		cfg.ProbeInterval = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_HTTP_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.HTTPTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_TCP_TIMEOUT_SECONDS")); err == nil && v > 0 {
		cfg.TCPTimeout = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv("HEALTHMONITOR_FAILURE_THRESHOLD")); err == nil && v > 0 {
		cfg.FailureThreshold = v
	}

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

	cache := healthmonitor.NewCache()
	worker := healthmonitor.NewWorker(reg, publisher, cache, cfg, logger)
	worker.SetMetrics(metrics.New(prometheus.DefaultRegisterer))

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// TTL sweeping is owned by cmd/discovery; this process only reads and
	// writes health status through the same durable store.
	go worker.Run(ctx)

	// HTTP API.
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "Healthy"})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cache.GetAll())
	})

	mux.HandleFunc("GET /api/status/{serviceName}", func(w http.ResponseWriter, r *http.Request) {
		serviceName := r.PathValue("serviceName")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cache.GetByService(serviceName))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("healthmonitor starting", "port", port, "registry_store", storeKind, "probe_interval", cfg.ProbeInterval)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// openStore selects the registrystore.Store backend from REGISTRY_STORE
// ("memory", "redis", "consul"; default "memory").
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
