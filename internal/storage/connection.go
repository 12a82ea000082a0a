// Package storage provides the PostgreSQL persistence layer: runbooks and
// automation settings, batches and members, phase/step/init execution
// records, per-runbook dynamic tables, the scheduler lease, and the bus's
// dedup and deferred-delivery tables.
//
// Store types implement the interfaces their consumer packages declare
// (the scheduler and orchestrator store bundles, the api package's stores,
// bus.DedupStore, bus.DeferredStore). All state transitions are
// compare-and-set so concurrent writers observe zero affected rows instead
// of clobbering each other.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNoDatabaseConnection is returned when a store is created without a
	// database connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrConnectionFailed is returned when the database cannot be reached.
	ErrConnectionFailed = errors.New("database connection failed")
)

const connectTimeout = 10 * time.Second

// Connection wraps the database handle with pool configuration applied. It
// is a process-lifetime singleton injected into every store; Close is the
// owner's responsibility, not the stores'.
type Connection struct {
	db *sql.DB
}

// NewConnection opens a PostgreSQL connection pool from the given
// configuration and verifies connectivity before returning.
func NewConnection(config *Config) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &Connection{db: db}, nil
}

// NewConnectionFromDB wraps an existing database handle. Used by tests that
// provision their own database.
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// QueryContext runs a query returning rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query returning at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement returning no rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// HealthCheck verifies the database is reachable. Used by readiness probes.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	return c.db.Close()
}

// querier is the query surface shared by *Connection and *sql.Tx, letting
// row helpers run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const pgUniqueViolation = "23505"

// isUniqueViolation reports whether the error is a PostgreSQL unique
// constraint violation. Stores hit these deliberately: idempotent inserts
// race on their natural keys and the loser treats the conflict as success.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
