// Package storage persists plugin key-value records partitioned by namespace.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("storage: record not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("storage: store closed")

// Record is one stored value. Value holds JSON-compatible data.
type Record struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a namespaced key-value store. Writes overwrite; the last writer
// wins.
type Store interface {
	Get(ctx context.Context, namespace, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Driver string      `yaml:"driver" validate:"omitempty,oneof=sqlite redis memory"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
