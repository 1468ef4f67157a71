// Package main is the entrypoint for the tenant database service. It loads
// configuration, starts the metrics and health servers, initializes the
// tenant manager and the cross-instance coordinator, and handles graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joao-brasil/tenant-db-pooling/internal/config"
	"github.com/joao-brasil/tenant-db-pooling/internal/coordinator"
	"github.com/joao-brasil/tenant-db-pooling/internal/health"
	"github.com/joao-brasil/tenant-db-pooling/internal/manager"
	"github.com/joao-brasil/tenant-db-pooling/internal/metrics"
)

var configPath = flag.String("config", "configs/tenantd.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting tenant database service")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: system_db=%s, tenant_dir=%s, instance=%s",
		cfg.Database.SystemDBPath, cfg.Database.TenantDBDir, cfg.Server.InstanceID)

	// ─── Metrics Server ──────────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Tenant Manager ──────────────────────────────────────────────
	log.Println("[main] Initializing tenant manager...")
	mgr, err := manager.New(manager.FromFile(cfg))
	if err != nil {
		log.Fatalf("[main] Failed to initialize tenant manager: %v", err)
	}
	defer func() {
		log.Println("[main] Closing tenant manager...")
		if err := mgr.Close(); err != nil {
			log.Printf("[main] Manager close error: %v", err)
		}
	}()

	if cfg.Server.PreloadPools {
		mgr.PreloadAll(context.Background())
	}
	s := mgr.Stats(context.Background())
	log.Printf("[main] Manager ready: %d tenants, %d live pools", s.Tenants, s.LivePools)

	// ─── Health Checker ──────────────────────────────────────────────
	checker := health.NewChecker(cfg, mgr)
	healthServer := checker.ServeHTTP()

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s — %s (latency: %s)",
			comp.Name, comp.Status, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Coordinator ─────────────────────────────────────────────────
	log.Println("[main] Initializing coordinator...")
	coord, err := coordinator.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize coordinator: %v", err)
	}
	defer func() {
		log.Println("[main] Closing coordinator...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := coord.Close(shutCtx); err != nil {
			log.Printf("[main] Coordinator close error: %v", err)
		}
	}()
	if coord.IsFallback() {
		log.Println("[main] Coordinator started in FALLBACK mode (Redis unavailable)")
	} else {
		log.Println("[main] Coordinator ready (Redis connected)")
	}

	// Remote lifecycle events drop the local pool for the affected tenant.
	coord.Start(func(ev coordinator.Event) {
		switch ev.Op {
		case "suspended", "deprovisioned":
			mgr.InvalidatePool(ev.TenantID)
		default:
			log.Printf("[main] tenant %s %s on instance %s", ev.TenantID, ev.Op, ev.Instance)
		}
	})

	// Local lifecycle operations fan out to sibling instances.
	mgr.SetLifecycleHook(func(op, tenantID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Publish(ctx, op, tenantID); err != nil {
			log.Printf("[main] publishing %s event for %s: %v", op, tenantID, err)
		}
	})

	hb := coordinator.NewHeartbeat(coord)
	hb.Start(context.Background())
	defer hb.Stop()

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Service is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] Health checker close error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
