package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAdaptor implements the Adaptor interface using pgx/v5.
type PostgresAdaptor struct {
	pool *pgxpool.Pool
}

// NewPostgresAdaptor wraps an open pool.
func NewPostgresAdaptor(pool *pgxpool.Pool) *PostgresAdaptor {
	return &PostgresAdaptor{pool: pool}
}

func (a *PostgresAdaptor) Dialect() string { return DialectPostgres }

// Ping checks database connectivity.
func (a *PostgresAdaptor) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (a *PostgresAdaptor) Close() error {
	a.pool.Close()
	return nil
}

func (a *PostgresAdaptor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := a.reconnectOnce(ctx, func() error {
		tag, err := a.pool.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

func (a *PostgresAdaptor) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	var rows pgx.Rows
	err := a.reconnectOnce(ctx, func() error {
		var err error
		rows, err = a.pool.Query(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pgRows{rows: rows}, nil
}

func (a *PostgresAdaptor) ExecuteMany(ctx context.Context, query string, argSets [][]any) (int64, error) {
	if len(argSets) == 0 {
		return 0, nil
	}

	var affected int64
	err := a.reconnectOnce(ctx, func() error {
		affected = 0
		tx, err := a.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		batch := &pgx.Batch{}
		for _, args := range argSets {
			batch.Queue(query, args...)
		}
		br := tx.SendBatch(ctx, batch)
		for range argSets {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return err
			}
			affected += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	return affected, err
}

func (a *PostgresAdaptor) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var tx pgx.Tx
	err := a.reconnectOnce(ctx, func() error {
		var err error
		tx, err = a.pool.Begin(ctx)
		return err
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (a *PostgresAdaptor) CreateTable(ctx context.Context, schema TableSchema) error {
	ddl, err := createTableSQL(DialectPostgres, schema)
	if err != nil {
		return err
	}
	_, err = a.Exec(ctx, ddl)
	return err
}

func (a *PostgresAdaptor) DropTable(ctx context.Context, name string) error {
	ddl, err := dropTableSQL(name)
	if err != nil {
		return err
	}
	_, err = a.Exec(ctx, ddl)
	return err
}

// reconnectOnce runs op and, if the connection was lost, resets the pool
// and runs it one more time.
func (a *PostgresAdaptor) reconnectOnce(ctx context.Context, op func() error) error {
	err := op()
	if err != nil && isPgConnError(err) && ctx.Err() == nil {
		slog.Warn("database connection lost, reconnecting", "error", err)
		a.pool.Reset()
		err = op()
	}
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, classifyPgError(err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &pgRows{rows: rows}, nil
}

type pgRows struct {
	rows pgx.Rows
}

func (r *pgRows) Next() bool { return r.rows.Next() }

func (r *pgRows) Scan(dest ...any) error {
	if err := r.rows.Scan(dest...); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrQuery, err)
	}
	return nil
}

func (r *pgRows) Err() error {
	if err := r.rows.Err(); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (r *pgRows) Close() { r.rows.Close() }

func isPgConnError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P01..57P03: server shutting down.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func classifyPgError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case isDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case isPgConnError(err):
		return fmt.Errorf("%w: %v", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %v", ErrQuery, err)
	}
}
