package manager

import (
	"fmt"

	"github.com/joao-brasil/tenant-db-pooling/internal/db"
)

// systemSchema holds the catalog tables kept in the system database.
var systemSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		plan TEXT DEFAULT 'free',
		active INTEGER DEFAULT 1,
		db_path TEXT,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS system_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT,
		role TEXT DEFAULT 'admin',
		active INTEGER DEFAULT 1,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(active)`,
}

// tenantSchema is the standard schema applied to every newly provisioned
// tenant database.
var tenantSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT,
		role TEXT DEFAULT 'user',
		active INTEGER DEFAULT 1,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		price REAL NOT NULL DEFAULT 0,
		stock INTEGER DEFAULT 0,
		active INTEGER DEFAULT 1,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		status TEXT DEFAULT 'pending',
		total REAL DEFAULT 0,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		quantity INTEGER DEFAULT 1,
		price REAL NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id),
		FOREIGN KEY (product_id) REFERENCES products(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,
}

// applySchema executes each statement of a schema against the given handle.
func applySchema(d *db.Database, schema []string) error {
	for _, stmt := range schema {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
