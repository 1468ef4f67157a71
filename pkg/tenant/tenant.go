// Package tenant defines the tenant record model and the request-scoped
// tenant context. A tenant represents one isolated customer domain mapped
// to a single SQLite database file and one connection pool.
package tenant

import "time"

// Record represents a tenant as registered in the system catalog.
type Record struct {
	ID        int64     `yaml:"-" json:"id"`
	TenantID  string    `yaml:"tenant_id" json:"tenant_id"`
	Name      string    `yaml:"name" json:"name"`
	Plan      string    `yaml:"plan" json:"plan"`
	Active    bool      `yaml:"active" json:"active"`
	DBPath    string    `yaml:"-" json:"db_path"`
	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}
