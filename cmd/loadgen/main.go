// Package main is the entrypoint for the load generator. It provisions a set
// of tenants against a scratch directory and hammers their pools with
// concurrent read/write traffic, printing per-tenant pool statistics at the
// end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/tenant-db-pooling/internal/manager"
	"github.com/joao-brasil/tenant-db-pooling/internal/pool"
	"github.com/joao-brasil/tenant-db-pooling/pkg/tenant"
)

var (
	tenants  = flag.Int("tenants", 5, "Number of tenants to provision")
	workers  = flag.Int("workers", 20, "Concurrent workers per tenant")
	duration = flag.Duration("duration", 10*time.Second, "How long to run the workload")
	dataDir  = flag.String("data-dir", "", "Working directory (default: temp dir, removed on exit)")
	maxConns = flag.Int("max-connections", 5, "Max connections per tenant pool")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "loadgen-*")
		if err != nil {
			log.Fatalf("[loadgen] temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	mgr, err := manager.New(manager.Config{
		SystemDBPath:         filepath.Join(dir, "system.db"),
		TenantDBDir:          filepath.Join(dir, "tenants"),
		PoolMinConnections:   1,
		PoolMaxConnections:   *maxConns,
		SystemMinConnections: 1,
		SystemMaxConnections: 4,
		AcquireTimeout:       5 * time.Second,
	})
	if err != nil {
		log.Fatalf("[loadgen] manager: %v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	ids := make([]string, 0, *tenants)
	for i := 0; i < *tenants; i++ {
		id := fmt.Sprintf("tenant-%03d", i)
		err := mgr.Provision(ctx, tenant.Record{TenantID: id, Name: "Load Tenant " + id})
		if err != nil && !errors.Is(err, manager.ErrTenantExists) {
			log.Fatalf("[loadgen] provision %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	log.Printf("[loadgen] Provisioned %d tenants under %s", len(ids), dir)

	var ops, failures atomic.Uint64
	deadlineCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range ids {
		for w := 0; w < *workers; w++ {
			wg.Add(1)
			go func(tenantID string, seed int64) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(seed))
				for deadlineCtx.Err() == nil {
					if err := runOne(deadlineCtx, mgr, tenantID, rng); err != nil {
						if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pool.ErrPoolClosed) {
							return
						}
						failures.Add(1)
						continue
					}
					ops.Add(1)
				}
			}(id, rand.Int63())
		}
	}

	log.Printf("[loadgen] Running %d workers across %d tenants for %s...",
		*workers*len(ids), len(ids), *duration)
	wg.Wait()

	log.Printf("[loadgen] Done: %d operations, %d failures", ops.Load(), failures.Load())
	for id, stats := range mgr.PoolStats() {
		fmt.Printf("%-12s acquisitions=%d peak_active=%d timeouts=%d failed_checks=%d avg_acquire=%.0fus max_acquire=%dus\n",
			id, stats.TotalAcquisitions, stats.PeakActive, stats.Timeouts,
			stats.FailedHealthChecks, stats.AvgAcquireMicros, stats.MaxAcquireMicros)
	}
}

// runOne performs a single unit of tenant work: an insert followed by a
// point read, all on one leased connection.
func runOne(ctx context.Context, mgr *manager.Manager, tenantID string, rng *rand.Rand) error {
	p, err := mgr.Pool(ctx, tenantID)
	if err != nil {
		return err
	}
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	user := fmt.Sprintf("user%d", rng.Intn(1_000_000))
	_, err = lease.DB().ExecContext(ctx,
		"INSERT OR IGNORE INTO users (username, email) VALUES (?, ?)",
		user, user+"@"+tenantID+".example")
	if err != nil {
		return err
	}

	var count int
	row := lease.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM users")
	return row.Scan(&count)
}
