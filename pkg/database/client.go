// Package database provides the PostgreSQL client, embedded migrations,
// and the Store implementing fleetd's narrow persistence contract.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool the store uses. It is satisfied by
// *pgxpool.Pool and by pgxmock pools, enabling unit tests without a real
// database.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client wraps a pgx connection pool.
type Client struct {
	pool Pool
}

// Pool returns the underlying pool for direct queries.
func (c *Client) Pool() Pool {
	return c.pool
}

// Close releases all pool resources.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClientFromPool wraps an existing pool (useful for testing).
func NewClientFromPool(pool Pool) *Client {
	return &Client{pool: pool}
}

// NewClient connects to PostgreSQL, applies pending migrations, and
// returns a pooled client.
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
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Migrations run on a short-lived database/sql connection; the pool
	// is untouched.
	if err := runMigrations(cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// HealthStatus represents database health and response time.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
}

// Health checks database connectivity.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
	}, nil
}
