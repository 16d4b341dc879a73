package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the connection pool behind a GormStore.
type PoolConfig struct {
	MaxOpenConns    int // 0 means unlimited
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns defaults sized for a worker process with a few
// dozen concurrent job bodies, each holding one connection per unit of work.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// Pool presets selectable by name from configuration.
const (
	PresetDefault         = "default"
	PresetAuto            = "auto"
	PresetHighConcurrency = "high-concurrency"
	PresetLowLatency      = "low-latency"
	PresetConstrained     = "constrained"
)

var presets = map[string]PoolConfig{
	PresetHighConcurrency: {MaxOpenConns: 100, MaxIdleConns: 25, ConnMaxLifetime: 10 * time.Minute, ConnMaxIdleTime: 2 * time.Minute},
	PresetLowLatency:      {MaxOpenConns: 50, MaxIdleConns: 40, ConnMaxLifetime: 15 * time.Minute, ConnMaxIdleTime: 5 * time.Minute},
	PresetConstrained:     {MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 3 * time.Minute, ConnMaxIdleTime: 30 * time.Second},
}

// workerOverhead counts the connections a worker uses besides its bodies:
// dequeue polling, heartbeats, the cron scheduler, the reaper, and the
// coordination pass that follows a member.
const workerOverhead = 5

// PoolForWorkers sizes a pool for a worker running concurrency bodies at once.
func PoolForWorkers(concurrency int) PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.MaxOpenConns = max(concurrency, 1) + workerOverhead
	cfg.MaxIdleConns = max(cfg.MaxOpenConns/2, 2)
	return cfg
}

// PoolPreset returns the named pool configuration. The auto preset sizes the
// pool from concurrency.
func PoolPreset(name string, concurrency int) (PoolConfig, error) {
	switch name {
	case "", PresetDefault:
		return DefaultPoolConfig(), nil
	case PresetAuto:
		return PoolForWorkers(concurrency), nil
	}
	if cfg, ok := presets[name]; ok {
		return cfg, nil
	}
	return PoolConfig{}, fmt.Errorf("unknown pool preset %q", name)
}

// PoolOption adjusts a PoolConfig.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// WithPoolConfig replaces the whole configuration, typically with a preset.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { *c = cfg })
}

func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxIdleConns = n })
}

func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxLifetime = d })
}

func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxIdleTime = d })
}

// ConfigurePool applies opts over the defaults to db and returns the
// configuration in effect. SQLite is always limited to one open connection
// because it allows a single writer.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) (PoolConfig, error) {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}
	if db.Dialector != nil && db.Dialector.Name() == DriverSQLite {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxOpenConns > 0 && cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}

	sqlDB, err := db.DB()
	if err != nil {
		return cfg, fmt.Errorf("storage: get *sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return cfg, nil
}

// NewGormStoreWithPool configures db's pool and returns a store over it.
//
//	store, err := NewGormStoreWithPool(db, WithPoolConfig(PoolForWorkers(20)))
func NewGormStoreWithPool(db *gorm.DB, opts ...PoolOption) (*GormStore, error) {
	if _, err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return NewGormStore(db), nil
}
