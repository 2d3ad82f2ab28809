package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"wingo/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

var (
	globalPool *pgxpool.Pool
	dbOnce     sync.Once
	dbMux      sync.Mutex
	isClosed   bool
)

// Database wraps the connection pool. It is the single writer of rounds,
// wagers, analytics and account balances.
type Database struct {
	pool *pgxpool.Pool
}

// NewDatabase creates a Database backed by the global pool.
func NewDatabase() *Database {
	if globalPool == nil {
		logrus.Fatal("database not initialized, call ConnectPostgres first")
	}
	return &Database{pool: globalPool}
}

// NewDatabaseWithPool creates a Database with a custom pool.
func NewDatabaseWithPool(pool *pgxpool.Pool) *Database {
	return &Database{pool: pool}
}

// ConnectPostgres initializes the global pool once.
func ConnectPostgres(cfg *config.Config) error {
	var connErr error
	dbOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()

		poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
		if err != nil {
			connErr = err
			return
		}

		poolConfig.MaxConns = 100
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute
		poolConfig.HealthCheckPeriod = 1 * time.Minute
		poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = "10000"

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			connErr = err
			return
		}

		if err := pool.Ping(ctx); err != nil {
			connErr = err
			pool.Close()
			return
		}

		globalPool = pool

		stats := pool.Stat()
		logrus.Infof("pool ready: max=%d total=%d idle=%d",
			poolConfig.MaxConns, stats.TotalConns(), stats.IdleConns())
	})
	return connErr
}

// GetPool returns the global connection pool.
func GetPool() *pgxpool.Pool {
	return globalPool
}

// Acquire takes a connection from the global pool.
func Acquire() (*pgxpool.Conn, error) {
	if globalPool == nil {
		return nil, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return globalPool.Acquire(ctx)
}

// Close shuts the pool down.
func Close() {
	dbMux.Lock()
	defer dbMux.Unlock()

	if !isClosed && globalPool != nil {
		globalPool.Close()
		isClosed = true
		logrus.Info("postgres pool closed")
	}
}
