// Package db defines an abstract database interface for connection
// management and transactional operations. This allows the registry store
// to be backed by the embedded SQLite database (default) or PostgreSQL
// without changing the business logic layer.
package db

import (
	"context"
	"fmt"
	"strings"
)

// Row represents a single row returned by a query.
type Row interface {
	Scan(dest ...any) error
}

// Rows represents a set of rows returned by a query.
type Rows interface {
	// Next advances to the next row, returning false when exhausted.
	Next() bool
	// Scan reads column values from the current row.
	Scan(dest ...any) error
	// Err returns any error encountered during iteration.
	Err() error
	// Close releases the rows.
	Close()
}

// Executor can execute queries and statements. Both Database and Tx satisfy
// this interface, enabling code that works inside or outside a transaction.
type Executor interface {
	// Exec executes a statement that does not return rows.
	Exec(ctx context.Context, sql string, args ...any) error
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row
	// Query executes a query that returns multiple rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Tx represents a database transaction. Implementations must ensure that
// Commit or Rollback is called exactly once.
type Tx interface {
	Executor
	// Commit commits the transaction.
	Commit(ctx context.Context) error
	// Rollback rolls back the transaction. Rollback after Commit is a no-op.
	Rollback(ctx context.Context) error
}

// Database abstracts a SQL-compatible database connection pool.
// Implementations handle pooling, health checks, and reconnection
// internally.
type Database interface {
	Executor

	// BeginTx starts a new transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close releases all connections in the pool.
	Close() error

	// DriverName returns the name of the underlying database driver
	// ("sqlite" or "postgres").
	DriverName() string
}

// Open dials a database selected by URL scheme: sqlite://<path> or
// postgres://… . A bare filesystem path is treated as sqlite.
func Open(ctx context.Context, url string) (Database, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case url == "":
		return nil, fmt.Errorf("db: empty url")
	default:
		return OpenSQLite(url)
	}
}
