// Package pool implements a bounded, health-checked pool of SQLite handles
// for a single database target. Acquisition blocks with a timeout when the
// pool is exhausted, released handles are handed to exactly one waiter, and
// all counters are observable through Stats.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/tenant-db-pooling/internal/db"
	"github.com/joao-brasil/tenant-db-pooling/internal/metrics"
)

// Config holds the settings for one connection pool.
type Config struct {
	// Target is the path of the SQLite database file this pool is bound to.
	Target string

	// Label identifies the pool in logs and metrics (usually the tenant ID).
	// Defaults to Target.
	Label string

	// MinConnections is the number of handles created eagerly at construction.
	MinConnections int

	// MaxConnections bounds checked-out plus idle handles. Must be >= 1.
	MaxConnections int

	// AcquireTimeout is the maximum time Acquire blocks waiting for a handle.
	AcquireTimeout time.Duration

	// IdleTimeout is how long a handle may sit idle before the maintenance
	// loop evicts it. Zero disables eviction.
	IdleTimeout time.Duration

	// HealthCheckInterval is the period of the background maintenance loop.
	// Zero disables background maintenance; reused handles are still checked
	// on every acquire.
	HealthCheckInterval time.Duration

	// ForeignKeys, Synchronous and BusyTimeout are passed through unchanged
	// to every handle.
	ForeignKeys bool
	Synchronous string
	BusyTimeout time.Duration
}

func (c *Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("%w: target cannot be empty", ErrInvalidConfig)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be at least 1", ErrInvalidConfig)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("%w: min_connections (%d) cannot exceed max_connections (%d)",
			ErrInvalidConfig, c.MinConnections, c.MaxConnections)
	}
	return nil
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Target             string
	TotalCreated       uint64
	Active             int
	Idle               int
	Waiting            int
	PeakActive         uint64
	TotalAcquisitions  uint64
	TotalReleases      uint64
	Timeouts           uint64
	FailedHealthChecks uint64
	AvgAcquireMicros   float64
	MaxAcquireMicros   uint64
}

// idleConn pairs an idle handle with the moment it went idle, for eviction.
type idleConn struct {
	conn  *db.Database
	since time.Time
}

// ConnectionPool is a bounded pool of database handles for one target.
//
// Invariants: active + len(idle) <= MaxConnections at all times; a handle is
// reachable from at most one borrower or the idle set, never both.
type ConnectionPool struct {
	cfg Config

	mu      sync.Mutex
	idle    []idleConn
	waiters []chan *db.Database
	closed  bool

	// active mirrors the checked-out count. Mutated only under mu; read
	// atomically by Stats and the timeout error path.
	active atomic.Int64

	totalCreated  atomic.Uint64
	totalAcquired atomic.Uint64
	totalReleased atomic.Uint64
	timeouts      atomic.Uint64
	failedChecks  atomic.Uint64

	// peakActive is maintained with a compare-and-swap loop so it stays
	// monotonically non-decreasing under concurrent acquirers.
	peakActive atomic.Uint64

	totalAcquireUS atomic.Uint64
	maxAcquireUS   atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a connection pool and eagerly opens MinConnections handles.
// Any warm-up failure aborts construction.
func New(cfg Config) (*ConnectionPool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Label == "" {
		cfg.Label = cfg.Target
	}

	p := &ConnectionPool{
		cfg:    cfg,
		idle:   make([]idleConn, 0, cfg.MaxConnections),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		conn, err := p.createConn()
		if err != nil {
			for _, e := range p.idle {
				e.conn.Close()
			}
			return nil, fmt.Errorf("warming pool for %s (%d/%d): %w",
				cfg.Label, i+1, cfg.MinConnections, err)
		}
		p.idle = append(p.idle, idleConn{conn: conn, since: time.Now()})
	}

	metrics.PoolMax.WithLabelValues(cfg.Label).Set(float64(cfg.MaxConnections))
	p.updateGaugesLocked()
	log.Printf("[pool] %s — pool initialized: %d idle, max=%d",
		cfg.Label, len(p.idle), cfg.MaxConnections)

	if cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}

	return p, nil
}

// Acquire obtains a handle from the pool, blocking until one is available,
// the pool has room to create a new one, ctx is cancelled, or the configured
// acquire timeout elapses. Reused handles are health-checked before hand-off;
// a handle that fails the check is discarded and replaced transparently.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.AcquireTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "closed").Inc()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			entry := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active.Add(1)
			p.updateGaugesLocked()
			p.mu.Unlock()
			return p.checkoutReused(ctx, entry.conn, start)
		}

		if int(p.active.Load())+len(p.idle) < p.cfg.MaxConnections {
			// Reserve the slot before creating so concurrent acquirers
			// cannot overshoot the bound.
			p.active.Add(1)
			p.updateGaugesLocked()
			p.mu.Unlock()
			conn, err := p.createConn()
			if err != nil {
				p.unreserve()
				metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "create_failed").Inc()
				return nil, fmt.Errorf("creating connection for %s: %w", p.cfg.Label, err)
			}
			return p.checkout(conn, start), nil
		}

		// Pool exhausted — wait for a release or freed capacity.
		wait := time.Until(deadline)
		if wait <= 0 {
			p.mu.Unlock()
			return nil, p.timeoutErr(start)
		}
		waiterCh := make(chan *db.Database, 1)
		p.waiters = append(p.waiters, waiterCh)
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case conn, ok := <-waiterCh:
			timer.Stop()
			if !ok {
				metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "closed").Inc()
				return nil, ErrPoolClosed
			}
			if conn != nil {
				// Handed off by a releaser; the slot is already accounted.
				return p.checkout(conn, start), nil
			}
			// Capacity freed; retry the fast paths.

		case <-timer.C:
			p.abandonWaiter(waiterCh)
			return nil, p.timeoutErr(start)

		case <-ctx.Done():
			timer.Stop()
			p.abandonWaiter(waiterCh)
			metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "cancelled").Inc()
			return nil, ctx.Err()
		}
	}
}

// TryAcquire is the non-blocking variant of Acquire. It returns (nil, false)
// when no idle handle exists and the pool is at capacity, and never waits.
func (p *ConnectionPool) TryAcquire() (*Lease, bool) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false
	}

	if n := len(p.idle); n > 0 {
		entry := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active.Add(1)
		p.updateGaugesLocked()
		p.mu.Unlock()
		lease, err := p.checkoutReused(context.Background(), entry.conn, start)
		if err != nil {
			return nil, false
		}
		return lease, true
	}

	if int(p.active.Load()) < p.cfg.MaxConnections {
		p.active.Add(1)
		p.updateGaugesLocked()
		p.mu.Unlock()
		conn, err := p.createConn()
		if err != nil {
			p.unreserve()
			return nil, false
		}
		return p.checkout(conn, start), true
	}

	p.mu.Unlock()
	return nil, false
}

// Stats returns a point-in-time snapshot of the pool counters.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	waiting := len(p.waiters)
	p.mu.Unlock()

	acquired := p.totalAcquired.Load()
	avg := 0.0
	if acquired > 0 {
		avg = float64(p.totalAcquireUS.Load()) / float64(acquired)
	}

	return Stats{
		Target:             p.cfg.Target,
		TotalCreated:       p.totalCreated.Load(),
		Active:             int(p.active.Load()),
		Idle:               idle,
		Waiting:            waiting,
		PeakActive:         p.peakActive.Load(),
		TotalAcquisitions:  acquired,
		TotalReleases:      p.totalReleased.Load(),
		Timeouts:           p.timeouts.Load(),
		FailedHealthChecks: p.failedChecks.Load(),
		AvgAcquireMicros:   avg,
		MaxAcquireMicros:   p.maxAcquireUS.Load(),
	}
}

// Available returns the current number of idle handles.
func (p *ConnectionPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Active returns the current number of checked-out handles.
func (p *ConnectionPool) Active() int {
	return int(p.active.Load())
}

// Target returns the database file this pool is bound to.
func (p *ConnectionPool) Target() string {
	return p.cfg.Target
}

// Clear closes and drops all idle handles without closing the pool. Active
// handles are unaffected and return to an empty idle set on release.
func (p *ConnectionPool) Clear() {
	p.mu.Lock()
	for _, e := range p.idle {
		e.conn.Close()
	}
	p.idle = p.idle[:0]
	p.updateGaugesLocked()
	p.mu.Unlock()
	log.Printf("[pool] %s — cleared all idle connections", p.cfg.Label)
}

// Healthy reports whether a fresh connection to the target can run a round
// trip. It does not touch pooled handles.
func (p *ConnectionPool) Healthy(ctx context.Context) bool {
	conn, err := db.Open(db.Config{
		Path:        p.cfg.Target,
		ForeignKeys: p.cfg.ForeignKeys,
		Synchronous: p.cfg.Synchronous,
		BusyTimeout: p.cfg.BusyTimeout,
	})
	if err != nil {
		return false
	}
	defer conn.Close()
	return conn.Ping(ctx) == nil
}

// Close shuts the pool down: further acquisitions fail with ErrPoolClosed,
// every idle handle is closed, and all waiters are woken. Handles currently
// checked out are closed when their lease is released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil

	for _, e := range p.idle {
		e.conn.Close()
	}
	p.idle = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.wg.Wait()

	log.Printf("[pool] %s — pool closed: %d created, %d acquisitions, %d timeouts",
		p.cfg.Label, p.totalCreated.Load(), p.totalAcquired.Load(), p.timeouts.Load())
	return nil
}

// ── Internal helpers ─────────────────────────────────────────────────────

// createConn opens a new handle for the pool's target.
func (p *ConnectionPool) createConn() (*db.Database, error) {
	conn, err := db.Open(db.Config{
		Path:        p.cfg.Target,
		ForeignKeys: p.cfg.ForeignKeys,
		Synchronous: p.cfg.Synchronous,
		BusyTimeout: p.cfg.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	p.totalCreated.Add(1)
	return conn, nil
}

// checkoutReused validates a handle popped from the idle set and wraps it in
// a lease, replacing it with a fresh handle if the health check fails. Fresh
// handles are never checked.
func (p *ConnectionPool) checkoutReused(ctx context.Context, conn *db.Database, start time.Time) (*Lease, error) {
	if err := conn.Ping(ctx); err != nil {
		log.Printf("[pool] %s — connection failed health check, replacing: %v", p.cfg.Label, err)
		conn.Close()
		p.failedChecks.Add(1)
		metrics.HealthCheckFailures.WithLabelValues(p.cfg.Label).Inc()

		fresh, cerr := p.createConn()
		if cerr != nil {
			p.unreserve()
			metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "create_failed").Inc()
			return nil, fmt.Errorf("replacing unhealthy connection for %s: %w", p.cfg.Label, cerr)
		}
		conn = fresh
	}
	return p.checkout(conn, start), nil
}

// checkout finalizes a successful acquisition: statistics, peak tracking,
// latency accounting, lease construction.
func (p *ConnectionPool) checkout(conn *db.Database, start time.Time) *Lease {
	p.totalAcquired.Add(1)
	p.updatePeak()

	elapsed := time.Since(start)
	us := uint64(elapsed.Microseconds())
	p.totalAcquireUS.Add(us)
	for {
		max := p.maxAcquireUS.Load()
		if us <= max || p.maxAcquireUS.CompareAndSwap(max, us) {
			break
		}
	}

	metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "acquired").Inc()
	metrics.AcquireWaitDuration.WithLabelValues(p.cfg.Label).Observe(elapsed.Seconds())

	return &Lease{conn: conn, pool: p}
}

// updatePeak raises the peak-active watermark with a compare-and-swap loop.
// The watermark never reads lower than any value it has reached.
func (p *ConnectionPool) updatePeak() {
	current := uint64(p.active.Load())
	for {
		peak := p.peakActive.Load()
		if current <= peak || p.peakActive.CompareAndSwap(peak, current) {
			return
		}
	}
}

// unreserve undoes a slot reservation after a failed handle creation and
// wakes one waiter so the freed capacity is not lost.
func (p *ConnectionPool) unreserve() {
	p.mu.Lock()
	p.active.Add(-1)
	p.wakeOneLocked(nil)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// wakeOneLocked hands conn (or a nil capacity token) to one waiter, if any.
// Caller holds p.mu. Returns true if a waiter took it.
func (p *ConnectionPool) wakeOneLocked(conn *db.Database) bool {
	if len(p.waiters) == 0 {
		return false
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- conn
	return true
}

// abandonWaiter removes a waiter channel after timeout or cancellation. If a
// releaser raced and already handed a connection to the channel, the handle
// is requeued so it is not leaked.
func (p *ConnectionPool) abandonWaiter(ch chan *db.Database) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case conn, ok := <-ch:
		if ok && conn != nil {
			p.requeue(conn)
		}
	default:
	}
}

// timeoutErr records a timed-out acquire and builds the caller-facing error.
func (p *ConnectionPool) timeoutErr(start time.Time) error {
	p.timeouts.Add(1)
	metrics.AcquiresTotal.WithLabelValues(p.cfg.Label, "timeout").Inc()
	elapsed := time.Since(start)
	metrics.AcquireWaitDuration.WithLabelValues(p.cfg.Label).Observe(elapsed.Seconds())
	return fmt.Errorf("%w: %s after %s (active=%d, max=%d)",
		ErrAcquireTimeout, p.cfg.Label, elapsed.Round(time.Millisecond),
		p.active.Load(), p.cfg.MaxConnections)
}

// release returns a checked-out handle to the pool. Exactly one waiter gets
// the handle when there is a queue; otherwise it joins the idle set. Called
// via Lease.Release, which guarantees at most one call per borrow.
func (p *ConnectionPool) release(conn *db.Database) {
	p.totalReleased.Add(1)
	p.requeue(conn)
}

// requeue is release without the statistics side effect, shared with the
// abandoned-waiter recovery path.
func (p *ConnectionPool) requeue(conn *db.Database) {
	p.mu.Lock()
	if p.closed {
		p.active.Add(-1)
		p.mu.Unlock()
		conn.Close()
		return
	}
	// Hand off directly: the handle stays checked out, so the bound and the
	// at-most-one-borrower invariants hold without a decrement/increment pair.
	if p.wakeOneLocked(conn) {
		p.mu.Unlock()
		return
	}
	p.active.Add(-1)
	p.idle = append(p.idle, idleConn{conn: conn, since: time.Now()})
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// discard drops a checked-out handle permanently and wakes one waiter with a
// capacity token so it can create a replacement.
func (p *ConnectionPool) discard(conn *db.Database) {
	conn.Close()
	p.totalReleased.Add(1)
	p.mu.Lock()
	p.active.Add(-1)
	if !p.closed {
		p.wakeOneLocked(nil)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// updateGaugesLocked refreshes the Prometheus gauges. Caller holds p.mu.
func (p *ConnectionPool) updateGaugesLocked() {
	metrics.PoolActive.WithLabelValues(p.cfg.Label).Set(float64(p.active.Load()))
	metrics.PoolIdle.WithLabelValues(p.cfg.Label).Set(float64(len(p.idle)))
}
