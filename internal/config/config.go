package config

import (
	"errors"
	"time"
)

// Config represents the router service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Migration MigrationConfig `mapstructure:"migration"`
	Health    HealthConfig    `mapstructure:"health"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents the admin/routing HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL directory store configuration.
// An empty host selects the in-memory store.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the idempotency store configuration. An empty
// host selects the in-memory store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RoutingConfig selects and tunes the routing strategy. The strategy is
// fixed for the lifetime of the process; deployments do not mix
// strategies.
type RoutingConfig struct {
	Strategy       string     `mapstructure:"strategy"`
	VirtualNodes   int        `mapstructure:"virtual_nodes"`
	RequireHealthy bool       `mapstructure:"require_healthy"`
	Ranges         []RangeDef `mapstructure:"ranges"`
}

// RangeDef is one operator-supplied entry of the range strategy's table.
type RangeDef struct {
	LowerBound string `mapstructure:"lower_bound"`
	UpperBound string `mapstructure:"upper_bound"`
	ShardID    string `mapstructure:"shard_id"`
}

// MigrationConfig tunes the migration coordinator.
type MigrationConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	CopyRetryMax   int           `mapstructure:"copy_retry_max"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	VerifyRetryMax int           `mapstructure:"verify_retry_max"`
	Retention      time.Duration `mapstructure:"retention"`
	TaskDeadline   time.Duration `mapstructure:"task_deadline"`
	MoveTimeout    time.Duration `mapstructure:"move_timeout"`
}

// HealthConfig tunes the asynchronous shard health checker.
type HealthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// MetricsConfig represents Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	switch c.Routing.Strategy {
	case "hash-modulo", "range", "consistent-hash":
	default:
		return errors.New("routing.strategy must be one of: hash-modulo, range, consistent-hash")
	}
	if c.Routing.VirtualNodes <= 0 {
		return errors.New("routing.virtual_nodes must be positive")
	}
	if c.Routing.Strategy == "range" && len(c.Routing.Ranges) == 0 {
		return errors.New("routing.ranges is required for the range strategy")
	}
	if c.Migration.Concurrency <= 0 {
		return errors.New("migration.concurrency must be positive")
	}
	if c.Migration.VerifyRetryMax < 0 {
		return errors.New("migration.verify_retry_max must be non-negative")
	}
	if c.Database.Host != "" && c.Database.Database == "" {
		return errors.New("database.database is required when database.host is set")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            7070,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Port:           5432,
			Database:       "shardrouter",
			User:           "router",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Port: 6379,
		},
		Routing: RoutingConfig{
			Strategy:     "consistent-hash",
			VirtualNodes: 150,
		},
		Migration: MigrationConfig{
			Concurrency:    2,
			CopyRetryMax:   5,
			BackoffBase:    500 * time.Millisecond,
			BackoffCap:     30 * time.Second,
			VerifyRetryMax: 3,
			Retention:      24 * time.Hour,
			TaskDeadline:   6 * time.Hour,
			MoveTimeout:    10 * time.Minute,
		},
		Health: HealthConfig{
			Enabled:     true,
			Interval:    15 * time.Second,
			Timeout:     2 * time.Second,
			Concurrency: 8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
