package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Target:         filepath.Join(t.TempDir(), "test.db"),
		Label:          "test",
		MinConnections: 0,
		MaxConnections: 5,
		AcquireTimeout: 2 * time.Second,
	}
}

func newTestPool(t *testing.T, mutate func(*Config)) *ConnectionPool {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty target", func(c *Config) { c.Target = "" }},
		{"zero max", func(c *Config) { c.MaxConnections = 0 }},
		{"min above max", func(c *Config) { c.MinConnections = 10; c.MaxConnections = 5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWarmUpCreatesMinConnections(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MinConnections = 3 })

	require.Equal(t, 3, p.Available())
	require.Equal(t, 0, p.Active())
	require.Equal(t, uint64(3), p.Stats().TotalCreated)
}

func TestWarmUpFailureAborts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target = filepath.Join(t.TempDir(), "no-such-dir", "test.db")
	cfg.MinConnections = 2
	_, err := New(cfg)
	require.Error(t, err)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MaxConnections = 2 })
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, p.Active())

	_, ok := p.TryAcquire()
	require.False(t, ok, "pool at capacity must not lend a third handle")

	a.Release()
	c, ok := p.TryAcquire()
	require.True(t, ok)

	b.Release()
	c.Release()
	require.Equal(t, 0, p.Active())

	s := p.Stats()
	require.Equal(t, uint64(3), s.TotalAcquisitions)
	require.Equal(t, uint64(3), s.TotalReleases)
	require.Equal(t, uint64(2), s.TotalCreated, "releases must be reused, not replaced")
}

func TestLeaseRunsQueries(t *testing.T) {
	p := newTestPool(t, nil)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()

	_, err = lease.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = lease.DB().ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", "hello")
	require.NoError(t, err)

	var v string
	err = lease.DB().QueryRowContext(ctx, "SELECT v FROM t WHERE id = 1").Scan(&v)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, nil)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Release()

	require.Equal(t, 1, p.Available())
	require.Equal(t, 0, p.Active())
	require.Equal(t, uint64(1), p.Stats().TotalReleases)
}

func TestAcquireTimeout(t *testing.T) {
	p := newTestPool(t, func(c *Config) {
		c.MaxConnections = 1
		c.AcquireTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAcquireTimeout)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, time.Second)

	s := p.Stats()
	require.Equal(t, uint64(1), s.Timeouts)
	require.Equal(t, 1, s.Active, "a timed-out acquire must not leave a phantom checkout")
	require.Equal(t, 0, s.Waiting)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MaxConnections = 1 })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, p.Active())
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MaxConnections = 1 })
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		lease, err := p.Acquire(ctx)
		if err == nil {
			lease.Release()
		}
		got <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the waiter enqueue
	held.Release()

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}

	// A direct handoff serves the waiter with the existing handle.
	require.Equal(t, uint64(1), p.Stats().TotalCreated)
}

func TestConcurrentAcquireRespectsBound(t *testing.T) {
	const workers = 20
	const iterations = 25
	p := newTestPool(t, func(c *Config) {
		c.MaxConnections = 3
		c.AcquireTimeout = 5 * time.Second
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lease, err := p.Acquire(ctx)
				if err != nil {
					errCh <- err
					return
				}
				if n := p.Active(); n > 3 {
					errCh <- fmt.Errorf("active count %d exceeds max 3", n)
					lease.Release()
					return
				}
				lease.Release()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	s := p.Stats()
	require.Equal(t, 0, s.Active)
	require.LessOrEqual(t, s.PeakActive, uint64(3))
	require.Equal(t, s.TotalAcquisitions, s.TotalReleases)
	require.LessOrEqual(t, s.TotalCreated, uint64(3))
}

func TestHealthCheckReplacesDeadConnection(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MinConnections = 1 })
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	handle := lease.DB()
	lease.Release()

	// Kill the idle handle behind the pool's back.
	require.NoError(t, handle.Close())

	lease, err = p.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()

	require.NoError(t, lease.DB().Ping(ctx), "replacement handle must be live")
	require.Equal(t, uint64(1), p.Stats().FailedHealthChecks)
}

func TestDiscardDropsHandle(t *testing.T) {
	p := newTestPool(t, nil)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Discard()
	lease.Discard() // idempotent

	require.Equal(t, 0, p.Active())
	require.Equal(t, 0, p.Available())
}

func TestClearDropsIdleOnly(t *testing.T) {
	p := newTestPool(t, func(c *Config) { c.MinConnections = 2 })
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	p.Clear()
	require.Equal(t, 0, p.Available())
	require.Equal(t, 1, p.Active(), "clear must leave checked-out handles alone")

	// The held handle is still usable and returns to an empty idle set.
	require.NoError(t, held.DB().Ping(ctx))
	held.Release()
	require.Equal(t, 1, p.Available())
}

func TestCloseWakesWaiters(t *testing.T) {
	p := newTestPool(t, func(c *Config) {
		c.MaxConnections = 1
		c.AcquireTimeout = 5 * time.Second
	})
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Acquire(ctx)
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let the waiters enqueue
	require.NoError(t, p.Close())
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrPoolClosed)
	}

	// Releasing after close just closes the handle.
	held.Release()
	require.Equal(t, 0, p.Active())

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)
	_, ok := p.TryAcquire()
	require.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newTestPool(t, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestStatsTracksLatency(t *testing.T) {
	p := newTestPool(t, nil)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	s := p.Stats()
	require.Equal(t, p.Target(), s.Target)
	require.GreaterOrEqual(t, s.MaxAcquireMicros, uint64(0))
	require.GreaterOrEqual(t, s.AvgAcquireMicros, 0.0)
	require.Equal(t, uint64(1), s.PeakActive)
}

func TestHealthy(t *testing.T) {
	p := newTestPool(t, nil)
	require.True(t, p.Healthy(context.Background()))

	bad, err := New(Config{
		Target:         filepath.Join(t.TempDir(), "probe.db"),
		MaxConnections: 1,
	})
	require.NoError(t, err)
	require.True(t, bad.Healthy(context.Background()))
	bad.Close()
}

func TestMaintenanceEvictsStaleIdle(t *testing.T) {
	p := newTestPool(t, func(c *Config) {
		c.IdleTimeout = 30 * time.Millisecond
		c.HealthCheckInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	a.Release()
	b.Release()
	require.Equal(t, 2, p.Available())

	require.Eventually(t, func() bool {
		return p.Available() == 0
	}, 2*time.Second, 10*time.Millisecond, "stale idle handles should be evicted")
}
