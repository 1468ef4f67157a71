// Package manager maps tenant identity to an isolated connection pool and
// coordinates the tenant lifecycle: lazy pool creation, provisioning,
// deprovisioning, suspend/resume and fleet-wide schema migrations. One
// dedicated pool serves the system catalog; every tenant gets its own pool
// bound to its own database file.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joao-brasil/tenant-db-pooling/internal/config"
	"github.com/joao-brasil/tenant-db-pooling/internal/db"
	"github.com/joao-brasil/tenant-db-pooling/internal/metrics"
	"github.com/joao-brasil/tenant-db-pooling/internal/pool"
	"github.com/joao-brasil/tenant-db-pooling/pkg/tenant"
)

// Config holds the manager settings.
type Config struct {
	SystemDBPath string
	TenantDBDir  string

	// Per-tenant pool sizing.
	PoolMinConnections int
	PoolMaxConnections int

	// System catalog pool sizing.
	SystemMinConnections int
	SystemMaxConnections int

	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration

	// SQLite options passed through unchanged to every handle.
	ForeignKeys bool
	Synchronous string
	BusyTimeout time.Duration
}

// FromFile builds a manager Config from the loaded service configuration.
func FromFile(cfg *config.Config) Config {
	return Config{
		SystemDBPath:         cfg.Database.SystemDBPath,
		TenantDBDir:          cfg.Database.TenantDBDir,
		PoolMinConnections:   cfg.Pool.MinConnections,
		PoolMaxConnections:   cfg.Pool.MaxConnections,
		SystemMinConnections: cfg.Pool.SystemMinConnections,
		SystemMaxConnections: cfg.Pool.SystemMaxConnections,
		AcquireTimeout:       cfg.Pool.AcquireTimeout,
		IdleTimeout:          cfg.Pool.IdleTimeout,
		HealthCheckInterval:  cfg.Pool.HealthCheckInterval,
		ForeignKeys:          cfg.Database.ForeignKeys,
		Synchronous:          cfg.Database.Synchronous,
		BusyTimeout:          cfg.Database.BusyTimeout,
	}
}

// LifecycleHook is notified after tenant lifecycle operations. Used to fan
// events out to sibling instances via the coordinator.
type LifecycleHook func(op, tenantID string)

// Stats aggregates catalog and pool counters across the manager.
type Stats struct {
	Tenants           int
	LivePools         int
	TotalConnections  uint64
	ActiveConnections int
}

// MigrationFunc is applied to one tenant database during MigrateAll.
type MigrationFunc func(ctx context.Context, d *db.Database) error

// Manager owns one connection pool per active tenant plus the system
// catalog pool. Tenant pools are created lazily on first access and torn
// down on suspend or deprovision.
type Manager struct {
	cfg        Config
	systemPool *pool.ConnectionPool
	catalog    *Catalog

	// mu guards the tenant→pool mapping only; pool-internal work never
	// contends on it.
	mu    sync.RWMutex
	pools map[string]*pool.ConnectionPool

	// flight collapses concurrent pool creation for the same tenant so a
	// race cannot build two live pools.
	flight singleflight.Group

	hookMu sync.RWMutex
	hook   LifecycleHook
}

// New creates a manager, opens the system catalog pool and initializes the
// catalog schema.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.TenantDBDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tenant db directory %s: %w", cfg.TenantDBDir, err)
	}

	systemPool, err := pool.New(pool.Config{
		Target:              cfg.SystemDBPath,
		Label:               "system",
		MinConnections:      cfg.SystemMinConnections,
		MaxConnections:      cfg.SystemMaxConnections,
		AcquireTimeout:      cfg.AcquireTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		ForeignKeys:         true,
		Synchronous:         cfg.Synchronous,
		BusyTimeout:         cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening system pool: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		systemPool: systemPool,
		catalog:    NewCatalog(systemPool),
		pools:      make(map[string]*pool.ConnectionPool),
	}

	if err := m.catalog.Init(context.Background()); err != nil {
		systemPool.Close()
		return nil, err
	}

	log.Printf("[manager] initialized: system_db=%s, tenant_dir=%s",
		cfg.SystemDBPath, cfg.TenantDBDir)
	return m, nil
}

// SetLifecycleHook installs the hook notified after provision, deprovision,
// suspend and resume.
func (m *Manager) SetLifecycleHook(hook LifecycleHook) {
	m.hookMu.Lock()
	m.hook = hook
	m.hookMu.Unlock()
}

func (m *Manager) notify(op, tenantID string) {
	m.hookMu.RLock()
	hook := m.hook
	m.hookMu.RUnlock()
	if hook != nil {
		hook(op, tenantID)
	}
}

// SystemPool returns the system catalog pool.
func (m *Manager) SystemPool() *pool.ConnectionPool {
	return m.systemPool
}

// Catalog returns the tenant catalog repository.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// TenantDBPath returns the database file path for a tenant.
func (m *Manager) TenantDBPath(tenantID string) string {
	return filepath.Join(m.cfg.TenantDBDir, tenantID+".db")
}

// Pool returns the connection pool for a tenant, creating it lazily on
// first access. The tenant must be registered and active in the catalog.
// Pool creation happens outside the mapping lock so slow warm-ups do not
// block unrelated tenants.
func (m *Manager) Pool(ctx context.Context, tenantID string) (*pool.ConnectionPool, error) {
	m.mu.RLock()
	p, ok := m.pools[tenantID]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := m.flight.Do(tenantID, func() (any, error) {
		// A racer may have finished creating while we queued.
		m.mu.RLock()
		p, ok := m.pools[tenantID]
		m.mu.RUnlock()
		if ok {
			return p, nil
		}

		rec, err := m.catalog.Get(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if !rec.Active {
			return nil, fmt.Errorf("%w: %s", ErrTenantInactive, tenantID)
		}

		target := rec.DBPath
		if target == "" {
			target = m.TenantDBPath(tenantID)
		}

		created, err := pool.New(pool.Config{
			Target:              target,
			Label:               tenantID,
			MinConnections:      m.cfg.PoolMinConnections,
			MaxConnections:      m.cfg.PoolMaxConnections,
			AcquireTimeout:      m.cfg.AcquireTimeout,
			IdleTimeout:         m.cfg.IdleTimeout,
			HealthCheckInterval: m.cfg.HealthCheckInterval,
			ForeignKeys:         m.cfg.ForeignKeys,
			Synchronous:         m.cfg.Synchronous,
			BusyTimeout:         m.cfg.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("creating pool for tenant %s: %w", tenantID, err)
		}

		m.mu.Lock()
		m.pools[tenantID] = created
		live := len(m.pools)
		m.mu.Unlock()
		metrics.PoolsLive.Set(float64(live))

		log.Printf("[manager] created connection pool for tenant %s", tenantID)
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pool.ConnectionPool), nil
}

// CurrentPool resolves the tenant from ctx and returns its pool.
func (m *Manager) CurrentPool(ctx context.Context) (*pool.ConnectionPool, error) {
	tenantID, err := tenant.IDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return m.Pool(ctx, tenantID)
}

// Provision creates a tenant database, applies the standard tenant schema
// and registers the tenant in the catalog. Fails with ErrTenantExists if
// the database file already exists.
//
// Provisioning is at-least-once: if the catalog insert fails after the
// database was created, the file is kept and a retry of the catalog half is
// expected, rather than deleting data that may already be in use.
func (m *Manager) Provision(ctx context.Context, rec tenant.Record) error {
	log.Printf("[manager] provisioning tenant %s", rec.TenantID)

	path := m.TenantDBPath(rec.TenantID)
	if _, err := os.Stat(path); err == nil {
		metrics.TenantOps.WithLabelValues("provision", "exists").Inc()
		return fmt.Errorf("%w: %s (%s)", ErrTenantExists, rec.TenantID, path)
	}

	handle, err := db.Open(db.Config{
		Path:        path,
		ForeignKeys: m.cfg.ForeignKeys,
		Synchronous: m.cfg.Synchronous,
		BusyTimeout: m.cfg.BusyTimeout,
	})
	if err != nil {
		metrics.TenantOps.WithLabelValues("provision", "error").Inc()
		return fmt.Errorf("creating tenant database %s: %w", path, err)
	}
	if err := applySchema(handle, tenantSchema); err != nil {
		handle.Close()
		metrics.TenantOps.WithLabelValues("provision", "error").Inc()
		return fmt.Errorf("tenant %s: %w", rec.TenantID, err)
	}
	handle.Close()

	rec.Active = true
	rec.DBPath = path
	if rec.Plan == "" {
		rec.Plan = "free"
	}
	if err := m.catalog.Insert(ctx, &rec); err != nil {
		// The database file stays; see the provisioning note above.
		log.Printf("[manager] catalog insert failed for %s, database file kept at %s: %v",
			rec.TenantID, path, err)
		metrics.TenantOps.WithLabelValues("provision", "error").Inc()
		return err
	}

	metrics.TenantOps.WithLabelValues("provision", "ok").Inc()
	m.notify("provisioned", rec.TenantID)
	log.Printf("[manager] tenant %s provisioned (db=%s)", rec.TenantID, path)
	return nil
}

// Deprovision closes and removes the tenant's pool, marks the catalog
// record inactive, and optionally deletes the database file with its WAL
// and shared-memory sidecars.
func (m *Manager) Deprovision(ctx context.Context, tenantID string, deleteData bool) error {
	log.Printf("[manager] deprovisioning tenant %s (delete_data=%v)", tenantID, deleteData)

	m.removePool(tenantID)

	if err := m.catalog.Deactivate(ctx, tenantID); err != nil {
		metrics.TenantOps.WithLabelValues("deprovision", "error").Inc()
		return err
	}

	if deleteData {
		path := m.TenantDBPath(tenantID)
		for _, f := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("[manager] removing %s: %v", f, err)
			}
		}
		log.Printf("[manager] deleted tenant database %s", path)
	}

	metrics.TenantOps.WithLabelValues("deprovision", "ok").Inc()
	m.notify("deprovisioned", tenantID)
	return nil
}

// Suspend closes and drops the tenant's live pool. Catalog state and data
// are untouched; the next Pool call recreates the pool lazily.
func (m *Manager) Suspend(tenantID string) {
	log.Printf("[manager] suspending tenant %s", tenantID)
	m.removePool(tenantID)
	metrics.TenantOps.WithLabelValues("suspend", "ok").Inc()
	m.notify("suspended", tenantID)
}

// Resume marks a suspended tenant as resumable. The pool itself is
// recreated lazily on the next Pool call, so this is only a marker.
func (m *Manager) Resume(tenantID string) {
	log.Printf("[manager] resuming tenant %s", tenantID)
	metrics.TenantOps.WithLabelValues("resume", "ok").Inc()
	m.notify("resumed", tenantID)
}

// InvalidatePool drops the live pool for a tenant without catalog changes
// or lifecycle notifications. Used when a sibling instance mutated the
// tenant.
func (m *Manager) InvalidatePool(tenantID string) {
	if m.removePool(tenantID) {
		log.Printf("[manager] dropped pool for tenant %s (remote lifecycle event)", tenantID)
	}
}

// removePool closes and deletes a tenant's pool if present.
func (m *Manager) removePool(tenantID string) bool {
	m.mu.Lock()
	p, ok := m.pools[tenantID]
	if ok {
		delete(m.pools, tenantID)
	}
	live := len(m.pools)
	m.mu.Unlock()

	if !ok {
		return false
	}
	metrics.PoolsLive.Set(float64(live))
	p.Close()
	return true
}

// IsActive reports whether a tenant is registered and active.
func (m *Manager) IsActive(ctx context.Context, tenantID string) (bool, error) {
	return m.catalog.IsActive(ctx, tenantID)
}

// Tenant fetches the catalog record for a tenant.
func (m *Manager) Tenant(ctx context.Context, tenantID string) (*tenant.Record, error) {
	return m.catalog.Get(ctx, tenantID)
}

// ActiveTenantIDs lists every active tenant ID.
func (m *Manager) ActiveTenantIDs(ctx context.Context) ([]string, error) {
	return m.catalog.ActiveIDs(ctx)
}

// MigrateAll applies a migration to every active tenant database. A failure
// for one tenant is logged and does not abort the rest. Returns the number
// of tenants migrated and the number that failed.
func (m *Manager) MigrateAll(ctx context.Context, migration MigrationFunc) (applied, failed int) {
	ids, err := m.catalog.ActiveIDs(ctx)
	if err != nil {
		log.Printf("[manager] migration aborted, cannot list tenants: %v", err)
		return 0, 0
	}

	log.Printf("[manager] running migration on %d tenants", len(ids))
	for _, id := range ids {
		if err := m.migrateOne(ctx, id, migration); err != nil {
			log.Printf("[manager] migration failed for tenant %s: %v", id, err)
			metrics.TenantOps.WithLabelValues("migrate", "error").Inc()
			failed++
			continue
		}
		metrics.TenantOps.WithLabelValues("migrate", "ok").Inc()
		applied++
	}
	log.Printf("[manager] migration complete: %d applied, %d failed", applied, failed)
	return applied, failed
}

func (m *Manager) migrateOne(ctx context.Context, tenantID string, migration MigrationFunc) error {
	p, err := m.Pool(ctx, tenantID)
	if err != nil {
		return err
	}
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return migration(ctx, lease.DB())
}

// PreloadAll creates pools for every active tenant, typically at startup.
func (m *Manager) PreloadAll(ctx context.Context) {
	ids, err := m.catalog.ActiveIDs(ctx)
	if err != nil {
		log.Printf("[manager] preload aborted, cannot list tenants: %v", err)
		return
	}
	log.Printf("[manager] preloading pools for %d tenants", len(ids))
	for _, id := range ids {
		if _, err := m.Pool(ctx, id); err != nil {
			log.Printf("[manager] failed to preload pool for tenant %s: %v", id, err)
		}
	}
}

// Stats aggregates tenant and pool counters.
func (m *Manager) Stats(ctx context.Context) Stats {
	var s Stats

	m.mu.RLock()
	s.LivePools = len(m.pools)
	for _, p := range m.pools {
		ps := p.Stats()
		s.TotalConnections += ps.TotalCreated
		s.ActiveConnections += ps.Active
	}
	m.mu.RUnlock()

	n, err := m.catalog.CountActive(ctx)
	if err != nil {
		log.Printf("[manager] stats: counting tenants: %v", err)
	}
	s.Tenants = n
	return s
}

// PoolStats returns the statistics of every live tenant pool keyed by
// tenant ID.
func (m *Manager) PoolStats() map[string]pool.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]pool.Stats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Stats()
	}
	return out
}

// CloseAllPools closes every live tenant pool. The system pool stays open.
func (m *Manager) CloseAllPools() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*pool.ConnectionPool)
	m.mu.Unlock()

	for id, p := range pools {
		if err := p.Close(); err != nil {
			log.Printf("[manager] closing pool for tenant %s: %v", id, err)
		}
	}
	metrics.PoolsLive.Set(0)
	log.Printf("[manager] closed %d tenant pools", len(pools))
}

// Close shuts the manager down: all tenant pools, then the system pool.
func (m *Manager) Close() error {
	m.CloseAllPools()
	return m.systemPool.Close()
}
