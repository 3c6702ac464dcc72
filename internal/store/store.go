package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConnection means the database could not be reached. Callers may retry.
var ErrConnection = errors.New("database connection error")

// ErrQuery means a statement was rejected. It is never retried; any
// enclosing transaction has been rolled back.
var ErrQuery = errors.New("database query error")

// Dialect names understood by the SQL builder.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// Rows is a forward-only result set. Close must be called on every path.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs single statements with bound parameters.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Tx is a Querier bound to one open transaction.
type Tx interface {
	Querier
}

// Adaptor is the data access interface. All database operations go through
// here; engine differences stay behind it.
type Adaptor interface {
	Querier

	// ExecuteMany runs query once per argument set inside one transaction.
	// Either every set is applied or none is.
	ExecuteMany(ctx context.Context, query string, argSets [][]any) (int64, error)
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateTable(ctx context.Context, schema TableSchema) error
	DropTable(ctx context.Context, name string) error

	// Dialect returns the SQL builder dialect for this engine.
	Dialect() string
	Ping(ctx context.Context) error
	Close() error
}

// QueryRow runs a single-row query and scans it into dest.
// Returns ErrNotFound when the query yields no row.
func QueryRow(ctx context.Context, q Querier, query string, args []any, dest ...any) error {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return ErrNotFound
	}
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	return rows.Err()
}
