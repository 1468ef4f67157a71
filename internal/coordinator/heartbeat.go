package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/tenant-db-pooling/internal/metrics"
)

// Heartbeat periodically refreshes this instance's presence in Redis and
// removes dead instances from the registry.
type Heartbeat struct {
	coordinator *Coordinator
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(c *Coordinator) *Heartbeat {
	interval := c.cfg.Redis.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := c.cfg.Redis.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: c,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[heartbeat] started: interval=%s, ttl=%s, instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// Stop signals the heartbeat loop to stop.
func (hb *Heartbeat) Stop() {
	close(hb.stopCh)
}

// loop runs the periodic heartbeat and dead-instance cleanup.
func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.sendHeartbeat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Cleanup runs every third interval.
	cleanupCounter := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}
			hb.sendHeartbeat(ctx)

			cleanupCounter++
			if cleanupCounter >= 3 {
				cleanupCounter = 0
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// sendHeartbeat refreshes this instance's TTL key and registry membership.
func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	c := hb.coordinator
	key := fmt.Sprintf(keyInstanceHB, c.instanceID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, time.Now().Unix(), hb.ttl)
	pipe.SAdd(ctx, keyInstanceList, c.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		log.Printf("[heartbeat] failed: %v", err)
		if c.cfg.Fallback.Enabled {
			c.enterFallback()
		}
		return
	}
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
	metrics.InstanceHeartbeat.WithLabelValues(c.instanceID).Set(1)
}

// cleanupDeadInstances removes registry entries whose heartbeat key expired.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) {
	c := hb.coordinator

	instances, err := c.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		log.Printf("[heartbeat] listing instances: %v", err)
		return
	}

	for _, id := range instances {
		if id == c.instanceID {
			continue
		}
		exists, err := c.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			if err := c.client.SRem(ctx, keyInstanceList, id).Err(); err == nil {
				log.Printf("[heartbeat] removed dead instance %s from registry", id)
				metrics.InstanceHeartbeat.WithLabelValues(id).Set(0)
			}
		}
	}
}
