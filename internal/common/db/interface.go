package db

import (
	"context"
	"database/sql"
	"errors"
)

// Database abstracts the relational store used for submissions and test
// cases. The grading repositories only depend on this interface so tests
// can swap in fakes.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction executes a function within a database transaction
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ping verifies the connection is still alive
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error
}

// Rows is the result of a query
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of a single-row query
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Transaction groups statements with commit/rollback semantics
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

// IsNoRows reports whether err is the driver's empty-result sentinel.
// Scan errors are wrapped with %w, so errors.Is sees through them.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
