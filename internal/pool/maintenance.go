package pool

import (
	"context"
	"log"
	"time"

	"github.com/joao-brasil/tenant-db-pooling/internal/metrics"
)

// maintenanceLoop runs periodic idle eviction, idle health sweeps and
// min-connection replenishment until the pool is closed.
func (p *ConnectionPool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictStale()
			p.sweepIdle()
			p.replenish()
		}
	}
}

// evictStale closes idle handles that have exceeded IdleTimeout.
func (p *ConnectionPool) evictStale() {
	if p.cfg.IdleTimeout == 0 {
		return
	}

	p.mu.Lock()
	remaining := p.idle[:0]
	evicted := 0
	for _, e := range p.idle {
		if time.Since(e.since) > p.cfg.IdleTimeout {
			e.conn.Close()
			evicted++
		} else {
			remaining = append(remaining, e)
		}
	}
	p.idle = remaining
	if evicted > 0 {
		p.updateGaugesLocked()
	}
	p.mu.Unlock()

	if evicted > 0 {
		log.Printf("[pool] %s — evicted %d stale idle connections", p.cfg.Label, evicted)
	}
}

// sweepIdle runs the round-trip check on every idle handle and drops the
// ones that fail, so broken connections do not linger until the next acquire.
// Handles are borrowed one at a time through the normal slot accounting so
// the pool bound holds while a ping is in flight.
func (p *ConnectionPool) sweepIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	n := len(p.idle)
	p.mu.Unlock()

	removed := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		// Oldest first; requeue appends to the back, so each handle is
		// visited at most once per sweep.
		entry := p.idle[0]
		p.idle = p.idle[1:]
		p.active.Add(1)
		p.mu.Unlock()

		if err := entry.conn.Ping(ctx); err != nil {
			log.Printf("[pool] %s — idle health sweep dropped connection: %v", p.cfg.Label, err)
			entry.conn.Close()
			p.failedChecks.Add(1)
			metrics.HealthCheckFailures.WithLabelValues(p.cfg.Label).Inc()
			removed++
			p.mu.Lock()
			p.active.Add(-1)
			p.wakeOneLocked(nil)
			p.updateGaugesLocked()
			p.mu.Unlock()
			continue
		}
		p.requeue(entry.conn)
	}

	if removed > 0 {
		log.Printf("[pool] %s — idle health sweep removed %d connections", p.cfg.Label, removed)
	}
}

// replenish restores the idle set toward MinConnections, within the
// MaxConnections bound.
func (p *ConnectionPool) replenish() {
	created := 0
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			break
		}
		total := int(p.active.Load()) + len(p.idle)
		if len(p.idle) >= p.cfg.MinConnections || total >= p.cfg.MaxConnections {
			p.mu.Unlock()
			break
		}
		// Reserve the slot while creating, as Acquire does.
		p.active.Add(1)
		p.mu.Unlock()

		conn, err := p.createConn()
		if err != nil {
			p.unreserve()
			log.Printf("[pool] %s — failed to replenish idle connection: %v", p.cfg.Label, err)
			break
		}

		p.mu.Lock()
		p.active.Add(-1)
		if p.closed {
			conn.Close()
			p.mu.Unlock()
			break
		}
		p.idle = append(p.idle, idleConn{conn: conn, since: time.Now()})
		p.updateGaugesLocked()
		p.mu.Unlock()
		created++
	}

	if created > 0 {
		log.Printf("[pool] %s — replenished %d idle connections", p.cfg.Label, created)
	}
}
