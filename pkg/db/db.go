package db

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/metrics"
	"github.com/quiver-im/quiver/pkg/pool"
)

// Driver selects the database backend.
type Driver string

const (
	// DriverMySQL is the production backend.
	DriverMySQL Driver = "mysql"

	// DriverSQLite is the in-memory/test backend.
	DriverSQLite Driver = "sqlite"
)

// staleAfter is how long a handle may sit idle before the keeper pings it.
const staleAfter = 5 * time.Second

// Config configures the store and its handle pool.
type Config struct {
	Driver   Driver
	DSN      string
	PoolSize int

	// KeeperInterval is the health-check cadence. Values under a minute are
	// clamped by the pool maintainer. Zero means the 60s default.
	KeeperInterval time.Duration
}

// Handle is one pooled database connection. lastOper tracks the last
// successful operation in unix seconds; the keeper pings handles that have
// gone stale.
type Handle struct {
	db       *gorm.DB
	lastOper atomic.Int64
}

// touch records a successful operation on the handle.
func (h *Handle) touch() {
	h.lastOper.Store(time.Now().Unix())
}

// stale reports whether the handle has been idle long enough to need a ping.
func (h *Handle) stale() bool {
	return time.Now().Unix()-h.lastOper.Load() >= int64(staleAfter/time.Second)
}

// close tears down the underlying connection.
func (h *Handle) close() {
	sqlDB, err := h.db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
}

// Store is the typed data-access layer over a pool of database handles.
type Store struct {
	cfg    Config
	pool   *pool.Pool[*Handle]
	keeper *pool.Maintainer[*Handle]
}

// Open connects the handle pool and runs schema migration. The first handle
// performs AutoMigrate; the rest just connect.
func Open(cfg Config, pm *metrics.PoolMetrics) (*Store, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}

	var migrated atomic.Bool
	factory := func() (*Handle, error) {
		var dialector gorm.Dialector
		switch cfg.Driver {
		case DriverMySQL:
			dialector = mysql.Open(cfg.DSN)
		case DriverSQLite:
			dialector = sqlite.Open(cfg.DSN)
		default:
			return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
		}

		gdb, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Each handle is a dedicated connection; pooling happens above gorm.
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)

		if !migrated.Load() {
			if err := gdb.AutoMigrate(allModels()...); err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("failed to run database migration: %w", err)
			}
			migrated.Store(true)
		}

		h := &Handle{db: gdb}
		h.touch()
		return h, nil
	}

	p, err := pool.New("db", cfg.PoolSize, factory,
		pool.WithCloser[*Handle](func(h *Handle) { h.close() }),
		pool.WithMetrics[*Handle](pm),
	)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, pool: p}
	s.keeper = pool.NewMaintainer(p, cfg.KeeperInterval, s.probe, pm)
	s.keeper.Start()
	return s, nil
}

// probe pings a stale handle with SELECT 1. Fresh handles pass without
// touching the network. Runs outside the pool lock.
func (s *Store) probe(h *Handle) bool {
	if !h.stale() {
		return true
	}
	if err := h.db.Exec("SELECT 1").Error; err != nil {
		logger.Warn("Database handle failed keepalive", "error", err)
		return false
	}
	h.touch()
	return true
}

// Close stops the keeper and tears down the pool. Blocked acquirers are
// woken with pool.ErrClosed.
func (s *Store) Close() {
	s.keeper.Stop()
	s.pool.Close()
}

// Pool exposes the handle pool for instrumentation and tests.
func (s *Store) Pool() *pool.Pool[*Handle] {
	return s.pool
}
