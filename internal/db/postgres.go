package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a database connection pool from a Postgres connection URL
// (DATABASE_URL convention) and runs pending migrations.
//
// The initial ping is retried with jittered backoff: in container
// deployments the server regularly starts before Postgres is ready to
// accept connections, and crashing on the first refused connection just
// trades a sleep for a restart loop.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Pool tuning for a messaging backend: each API request or websocket
	// drain holds a connection briefly; 25 handles high concurrency
	// without exhausting Postgres slots.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Jitter: true,
	}
	const maxAttempts = 10
	for {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if b.Attempt() >= maxAttempts || ctx.Err() != nil {
			pool.Close()
			return nil, fmt.Errorf("ping DB after %d attempts: %w", int(b.Attempt()), err)
		}
		d := b.Duration()
		logger.Warn("DB not ready, retrying",
			zap.Error(err),
			zap.Duration("backoff", d),
		)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("ping DB: %w", ctx.Err())
		}
	}

	if err := Migrate(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("DB connection established",
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
