// Package database provides the PostgreSQL connection pool and schema
// migration utilities for the EF store.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
)

// Client wraps the pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// NewClientFromPool wraps an existing pool (useful for testing).
func NewClientFromPool(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

// NewClient opens a pooled connection, verifies it, and applies pending
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Migrations run over database/sql; the pool is the runtime path.
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := Migrate(db, cfg.Database); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}
