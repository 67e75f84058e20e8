package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// poolHealthCheckPeriod is how often idle connections are checked.
	poolHealthCheckPeriod = time.Minute
	// poolMaxConnIdleTime drains the extra connections an ingest burst
	// grabbed once the batch transactions are done.
	poolMaxConnIdleTime = 5 * time.Minute
)

// NewPool opens a pgx connection pool against databaseURL and verifies it
// with a ping before handing it out. API handlers and ingest workers
// share one pool, so maxConns bounds both; minConns keeps enough warm
// connections for the first upload after a quiet period.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.HealthCheckPeriod = poolHealthCheckPeriod
	cfg.MaxConnIdleTime = poolMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
