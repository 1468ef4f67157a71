// Package metrics defines Prometheus metrics for the tenant database layer.
// All collectors are registered upfront so that pools created later can use
// them without touching this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolActive tracks the number of checked-out connections per tenant pool.
	PoolActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantdb_pool_connections_active",
		Help: "Number of checked-out connections per tenant pool",
	}, []string{"tenant_id"})

	// PoolIdle tracks the number of idle connections per tenant pool.
	PoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantdb_pool_connections_idle",
		Help: "Number of idle connections per tenant pool",
	}, []string{"tenant_id"})

	// PoolMax tracks the configured max connections per tenant pool.
	PoolMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantdb_pool_connections_max",
		Help: "Configured maximum connections per tenant pool",
	}, []string{"tenant_id"})

	// AcquiresTotal counts acquire outcomes per tenant pool.
	AcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_pool_acquires_total",
		Help: "Total connection acquire operations by outcome",
	}, []string{"tenant_id", "status"})

	// AcquireWaitDuration tracks the time callers spend waiting for a connection.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantdb_pool_acquire_wait_seconds",
		Help:    "Time spent waiting to acquire a pooled connection",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"tenant_id"})

	// HealthCheckFailures counts idle connections discarded on a failed round trip.
	HealthCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_pool_health_check_failures_total",
		Help: "Idle connections discarded after failing the SELECT 1 health check",
	}, []string{"tenant_id"})

	// PoolsLive tracks the number of live tenant pools in the manager.
	PoolsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantdb_pools_live",
		Help: "Number of live per-tenant connection pools",
	})

	// TenantOps counts tenant lifecycle operations.
	TenantOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_tenant_operations_total",
		Help: "Tenant lifecycle operations (provision, deprovision, suspend, resume, migrate)",
	}, []string{"operation", "status"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantdb_redis_operations_total",
		Help: "Total coordinator Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantdb_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
