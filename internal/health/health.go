// Package health fornece health checks para os componentes de infraestrutura:
// o catálogo do sistema, os pools de tenants vivos e o Redis do coordinator.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/tenant-db-pooling/internal/config"
	"github.com/joao-brasil/tenant-db-pooling/internal/manager"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report é o relatório geral de saúde.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker realiza health checks contra os componentes do serviço.
type Checker struct {
	cfg         *config.Config
	manager     *manager.Manager
	redisClient *redis.Client
}

// NewChecker cria um novo health checker.
func NewChecker(cfg *config.Config, mgr *manager.Manager) *Checker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &Checker{
		cfg:         cfg,
		manager:     mgr,
		redisClient: rdb,
	}
}

// Close limpa os recursos.
func (c *Checker) Close() error {
	return c.redisClient.Close()
}

// Check realiza health checks em todos os componentes e retorna um relatório.
// O Redis só torna o relatório unhealthy quando o fallback está desabilitado:
// com fallback, o serviço opera normalmente sem Redis.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Server.InstanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	collect := func(fn func(context.Context) ComponentHealth) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := fn(ctx)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}()
	}

	collect(c.checkCatalog)
	collect(c.checkPools)
	collect(c.checkRedis)

	wg.Wait()
	report.Components = components

	for _, comp := range components {
		if comp.Status != StatusUnhealthy {
			continue
		}
		if comp.Name == "redis" && c.cfg.Fallback.Enabled {
			continue
		}
		report.Status = StatusUnhealthy
		break
	}

	return report
}

// checkCatalog verifica se o pool do catálogo responde a um round trip.
func (c *Checker) checkCatalog(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	lease, err := c.manager.SystemPool().Acquire(ctx)
	if err != nil {
		return ComponentHealth{
			Name:    "catalog",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("acquire failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	defer lease.Release()

	if err := lease.DB().Ping(ctx); err != nil {
		return ComponentHealth{
			Name:    "catalog",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("SELECT 1 failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Name:    "catalog",
		Status:  StatusHealthy,
		Message: c.cfg.Database.SystemDBPath,
		Latency: time.Since(start).String(),
	}
}

// checkPools resume o estado dos pools de tenants vivos. Um pool saturado
// (todos os handles em uso e fila de espera) é reportado, mas não derruba o
// status geral — é pressão de carga, não falha de infraestrutura.
func (c *Checker) checkPools(ctx context.Context) ComponentHealth {
	start := time.Now()

	stats := c.manager.PoolStats()
	saturated := 0
	active := 0
	for _, s := range stats {
		active += s.Active
		if s.Idle == 0 && s.Waiting > 0 {
			saturated++
		}
	}

	msg := fmt.Sprintf("%d live pools, %d active connections", len(stats), active)
	if saturated > 0 {
		msg = fmt.Sprintf("%s, %d saturated", msg, saturated)
	}

	return ComponentHealth{
		Name:    "tenant-pools",
		Status:  StatusHealthy,
		Message: msg,
		Latency: time.Since(start).String(),
	}
}

// checkRedis verifica a conectividade com o Redis.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := c.redisClient.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// ServeHTTP inicia o servidor HTTP de health check.
func (c *Checker) ServeHTTP() *http.Server {
	mux := http.NewServeMux()

	reportHandler := func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}

	mux.HandleFunc("/health", reportHandler)
	mux.HandleFunc("/health/ready", reportHandler)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Server.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
