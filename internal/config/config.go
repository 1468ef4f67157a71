// Package config handles loading and validating the tenant database service
// configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the service-level configuration.
type ServerConfig struct {
	InstanceID      string `yaml:"instance_id"`
	HealthCheckPort int    `yaml:"health_check_port"`
	MetricsPort     int    `yaml:"metrics_port"`
	PreloadPools    bool   `yaml:"preload_pools"`
}

// DatabaseConfig holds the SQLite-level options applied to every handle.
type DatabaseConfig struct {
	SystemDBPath string        `yaml:"system_db_path"`
	TenantDBDir  string        `yaml:"tenant_db_dir"`
	ForeignKeys  bool          `yaml:"foreign_keys"`
	Synchronous  string        `yaml:"synchronous"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// PoolConfig holds the per-tenant pool sizing and timing options.
type PoolConfig struct {
	MinConnections      int           `yaml:"min_connections"`
	MaxConnections      int           `yaml:"max_connections"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// System pool sizing; the catalog pool is shared by every request and
	// gets its own bounds.
	SystemMinConnections int `yaml:"system_min_connections"`
	SystemMaxConnections int `yaml:"system_max_connections"`
}

// RedisConfig holds the coordinator Redis connection configuration.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig controls behavior when Redis is unavailable.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Database.SystemDBPath == "" {
		return fmt.Errorf("database.system_db_path is required")
	}
	if c.Database.TenantDBDir == "" {
		return fmt.Errorf("database.tenant_db_dir is required")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections && c.Pool.MaxConnections != 0 {
		return fmt.Errorf("pool.min_connections cannot exceed pool.max_connections")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname
	}
	if c.Database.Synchronous == "" {
		c.Database.Synchronous = "NORMAL"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Pool.MinConnections == 0 {
		c.Pool.MinConnections = 1
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 5
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = 5 * time.Second
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 60 * time.Second
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 30 * time.Second
	}
	if c.Pool.SystemMinConnections == 0 {
		c.Pool.SystemMinConnections = 2
	}
	if c.Pool.SystemMaxConnections == 0 {
		c.Pool.SystemMaxConnections = 10
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
}
