// Package postgres builds the traced connection pool shared by the pgstore
// views and exposes per-query metrics and stats hooks.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSlowQuery is the duration above which a successful query is logged.
const DefaultSlowQuery = 250 * time.Millisecond

type poolConfig struct {
	slow     time.Duration
	maxConns int32
}

// PoolOption configures NewPool.
type PoolOption func(*poolConfig)

// WithSlowQueryThreshold sets the slow query log threshold. 0 logs every query.
func WithSlowQueryThreshold(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.slow = d }
}

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) PoolOption {
	return func(c *poolConfig) { c.maxConns = n }
}

// NewPool parses databaseURL, installs the otel + logging query tracer and
// returns a pinged pool.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	pc := poolConfig{slow: DefaultSlowQuery}
	for _, o := range opts {
		o(&pc)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.maxConns > 0 {
		cfg.MaxConns = pc.maxConns
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), pc.slow)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
