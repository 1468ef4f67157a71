package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joao-brasil/tenant-db-pooling/internal/pool"
	"github.com/joao-brasil/tenant-db-pooling/pkg/tenant"
)

// Catalog reads and writes tenant records in the system database. Every
// query goes through the manager's system-catalog pool.
type Catalog struct {
	pool *pool.ConnectionPool
}

// NewCatalog creates a catalog backed by the given system pool.
func NewCatalog(p *pool.ConnectionPool) *Catalog {
	return &Catalog{pool: p}
}

// Init creates the catalog tables if they do not exist.
func (c *Catalog) Init(ctx context.Context) error {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("catalog init: %w", err)
	}
	defer lease.Release()
	return applySchema(lease.DB(), systemSchema)
}

// Insert registers a new tenant record.
func (c *Catalog) Insert(ctx context.Context, rec *tenant.Record) error {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("catalog insert: %w", err)
	}
	defer lease.Release()

	active := 0
	if rec.Active {
		active = 1
	}
	_, err = lease.DB().ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, name, plan, active, db_path) VALUES (?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Name, rec.Plan, active, rec.DBPath)
	if err != nil {
		return fmt.Errorf("catalog insert %s: %w", rec.TenantID, err)
	}
	return nil
}

// Get fetches a tenant record by tenant ID. Returns ErrTenantNotFound if no
// record matches.
func (c *Catalog) Get(ctx context.Context, tenantID string) (*tenant.Record, error) {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog get: %w", err)
	}
	defer lease.Release()

	row := lease.DB().QueryRowContext(ctx,
		`SELECT id, tenant_id, name, plan, active, COALESCE(db_path, ''), created_at, updated_at
		 FROM tenants WHERE tenant_id = ?`, tenantID)

	var rec tenant.Record
	var active int
	var createdAt, updatedAt string
	err = row.Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.Plan, &active,
		&rec.DBPath, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog get %s: %w", tenantID, err)
	}
	rec.Active = active != 0
	rec.CreatedAt = parseTimestamp(createdAt)
	rec.UpdatedAt = parseTimestamp(updatedAt)
	return &rec, nil
}

// IsActive reports whether a tenant is registered and active. A missing
// tenant is simply not active.
func (c *Catalog) IsActive(ctx context.Context, tenantID string) (bool, error) {
	rec, err := c.Get(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Active, nil
}

// ActiveIDs lists the tenant IDs of every active tenant.
func (c *Catalog) ActiveIDs(ctx context.Context) ([]string, error) {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}
	defer lease.Release()

	rows, err := lease.DB().QueryContext(ctx,
		`SELECT tenant_id FROM tenants WHERE active = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog list: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Deactivate marks a tenant record inactive. Returns ErrTenantNotFound if no
// record matches.
func (c *Catalog) Deactivate(ctx context.Context, tenantID string) error {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("catalog deactivate: %w", err)
	}
	defer lease.Release()

	res, err := lease.DB().ExecContext(ctx,
		`UPDATE tenants SET active = 0, updated_at = datetime('now') WHERE tenant_id = ?`,
		tenantID)
	if err != nil {
		return fmt.Errorf("catalog deactivate %s: %w", tenantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return nil
}

// CountActive returns the number of active tenants.
func (c *Catalog) CountActive(ctx context.Context) (int, error) {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog count: %w", err)
	}
	defer lease.Release()

	var n int
	err = lease.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenants WHERE active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog count: %w", err)
	}
	return n, nil
}

// parseTimestamp converts a SQLite CURRENT_TIMESTAMP string. Malformed
// values yield the zero time rather than an error.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
