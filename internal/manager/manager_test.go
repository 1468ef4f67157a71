package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/tenant-db-pooling/internal/db"
	"github.com/joao-brasil/tenant-db-pooling/pkg/tenant"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Config{
		SystemDBPath:         filepath.Join(dir, "system.db"),
		TenantDBDir:          filepath.Join(dir, "tenants"),
		PoolMinConnections:   1,
		PoolMaxConnections:   3,
		SystemMinConnections: 1,
		SystemMaxConnections: 4,
		AcquireTimeout:       2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func provision(t *testing.T, m *Manager, tenantID string) {
	t.Helper()
	err := m.Provision(context.Background(), tenant.Record{
		TenantID: tenantID,
		Name:     "Tenant " + tenantID,
	})
	require.NoError(t, err)
}

func TestProvisionRegistersTenant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	rec, err := m.Tenant(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "acme", rec.TenantID)
	require.Equal(t, "free", rec.Plan)
	require.True(t, rec.Active)
	require.Equal(t, m.TenantDBPath("acme"), rec.DBPath)

	_, err = os.Stat(m.TenantDBPath("acme"))
	require.NoError(t, err, "provisioning must create the database file")

	active, err := m.IsActive(ctx, "acme")
	require.NoError(t, err)
	require.True(t, active)
}

func TestProvisionRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	provision(t, m, "acme")

	err := m.Provision(context.Background(), tenant.Record{TenantID: "acme"})
	require.ErrorIs(t, err, ErrTenantExists)
}

func TestProvisionAppliesTenantSchema(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	p, err := m.Pool(ctx, "acme")
	require.NoError(t, err)
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()

	for _, table := range []string{"users", "products", "orders", "order_items"} {
		var n int
		err := lease.DB().QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
			table).Scan(&n)
		require.NoError(t, err)
		require.Equal(t, 1, n, "table %s should exist", table)
	}
}

func TestPoolIsLazyAndCached(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	require.Equal(t, 0, m.Stats(ctx).LivePools)

	p1, err := m.Pool(ctx, "acme")
	require.NoError(t, err)
	p2, err := m.Pool(ctx, "acme")
	require.NoError(t, err)
	require.Same(t, p1, p2, "repeated lookups must return the same pool")
	require.Equal(t, 1, m.Stats(ctx).LivePools)
}

func TestPoolConcurrentCreationYieldsOnePool(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	const n = 16
	pools := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.Pool(ctx, "acme")
			require.NoError(t, err)
			pools[i] = p
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, pools[0], pools[i])
	}
	require.Equal(t, 1, m.Stats(ctx).LivePools)
}

func TestPoolUnknownTenant(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Pool(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTenantNotFound)
}

func TestPoolInactiveTenant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	require.NoError(t, m.Deprovision(ctx, "acme", false))

	_, err := m.Pool(ctx, "acme")
	require.ErrorIs(t, err, ErrTenantInactive)
}

func TestTenantIsolation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "alpha")
	provision(t, m, "beta")

	pa, err := m.Pool(ctx, "alpha")
	require.NoError(t, err)
	la, err := pa.Acquire(ctx)
	require.NoError(t, err)
	_, err = la.DB().ExecContext(ctx,
		"INSERT INTO users (username, email) VALUES ('a', 'a@alpha.example')")
	require.NoError(t, err)
	la.Release()

	pb, err := m.Pool(ctx, "beta")
	require.NoError(t, err)
	lb, err := pb.Acquire(ctx)
	require.NoError(t, err)
	defer lb.Release()

	var n int
	err = lb.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 0, n, "rows written through one tenant must not be visible to another")
}

func TestDeprovisionDeletesData(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	// Touch the pool so there is something live to tear down.
	_, err := m.Pool(ctx, "acme")
	require.NoError(t, err)

	require.NoError(t, m.Deprovision(ctx, "acme", true))

	_, err = os.Stat(m.TenantDBPath("acme"))
	require.ErrorIs(t, err, os.ErrNotExist)

	active, err := m.IsActive(ctx, "acme")
	require.NoError(t, err)
	require.False(t, active)
	require.Equal(t, 0, m.Stats(ctx).LivePools)
}

func TestDeprovisionUnknownTenant(t *testing.T) {
	m := newTestManager(t)
	err := m.Deprovision(context.Background(), "ghost", false)
	require.ErrorIs(t, err, ErrTenantNotFound)
}

func TestSuspendDropsPoolKeepsData(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	p1, err := m.Pool(ctx, "acme")
	require.NoError(t, err)

	m.Suspend("acme")
	require.Equal(t, 0, m.Stats(ctx).LivePools)
	_, err = os.Stat(m.TenantDBPath("acme"))
	require.NoError(t, err, "suspend must keep the database file")

	m.Resume("acme")
	p2, err := m.Pool(ctx, "acme")
	require.NoError(t, err)
	require.NotSame(t, p1, p2, "resume must build a fresh pool")
}

func TestCurrentPoolUsesTenantContext(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "acme")

	_, err := m.CurrentPool(ctx)
	require.ErrorIs(t, err, tenant.ErrNoContext)

	tctx := tenant.WithContext(ctx, "acme", 42)
	p, err := m.CurrentPool(tctx)
	require.NoError(t, err)
	require.Equal(t, m.TenantDBPath("acme"), p.Target())
}

func TestActiveTenantIDs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "beta")
	provision(t, m, "alpha")
	provision(t, m, "gamma")
	require.NoError(t, m.Deprovision(ctx, "beta", false))

	ids, err := m.ActiveTenantIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "gamma"}, ids)
}

func TestMigrateAllIsBestEffort(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "alpha")
	provision(t, m, "beta")
	provision(t, m, "gamma")

	boom := errors.New("boom")
	applied, failed := m.MigrateAll(ctx, func(ctx context.Context, d *db.Database) error {
		if d.Path() == m.TenantDBPath("beta") {
			return boom
		}
		_, err := d.ExecContext(ctx, "ALTER TABLE users ADD COLUMN locale TEXT")
		return err
	})
	require.Equal(t, 2, applied)
	require.Equal(t, 1, failed)

	// The surviving tenants actually got the new column.
	p, err := m.Pool(ctx, "alpha")
	require.NoError(t, err)
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()
	_, err = lease.DB().ExecContext(ctx,
		"INSERT INTO users (username, email, locale) VALUES ('u', 'u@alpha.example', 'pt-BR')")
	require.NoError(t, err)
}

func TestPreloadAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "alpha")
	provision(t, m, "beta")

	m.PreloadAll(ctx)
	require.Equal(t, 2, m.Stats(ctx).LivePools)
}

func TestStatsAggregates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "alpha")
	provision(t, m, "beta")

	p, err := m.Pool(ctx, "alpha")
	require.NoError(t, err)
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)

	s := m.Stats(ctx)
	require.Equal(t, 2, s.Tenants)
	require.Equal(t, 1, s.LivePools)
	require.Equal(t, 1, s.ActiveConnections)
	require.GreaterOrEqual(t, s.TotalConnections, uint64(1))

	lease.Release()

	ps := m.PoolStats()
	require.Contains(t, ps, "alpha")
	require.Equal(t, uint64(1), ps["alpha"].TotalAcquisitions)
}

func TestLifecycleHookFires(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	m.SetLifecycleHook(func(op, tenantID string) {
		mu.Lock()
		events = append(events, op+":"+tenantID)
		mu.Unlock()
	})

	provision(t, m, "acme")
	m.Suspend("acme")
	m.Resume("acme")
	require.NoError(t, m.Deprovision(ctx, "acme", true))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"provisioned:acme",
		"suspended:acme",
		"resumed:acme",
		"deprovisioned:acme",
	}, events)
}

func TestCatalogDirect(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	cat := m.Catalog()

	require.NoError(t, cat.Insert(ctx, &tenant.Record{
		TenantID: "direct",
		Name:     "Direct",
		Plan:     "pro",
		Active:   true,
	}))

	rec, err := cat.Get(ctx, "direct")
	require.NoError(t, err)
	require.Equal(t, "pro", rec.Plan)
	require.False(t, rec.CreatedAt.IsZero())

	n, err := cat.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, cat.Deactivate(ctx, "direct"))
	active, err := cat.IsActive(ctx, "direct")
	require.NoError(t, err)
	require.False(t, active)

	_, err = cat.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrTenantNotFound)
}
