package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/mattn/go-sqlite3"
)

const (
	busyAttempts     = 6
	busyInitialDelay = 10 * time.Millisecond
	busyMaxDelay     = 200 * time.Millisecond
)

// SQLiteAdaptor implements the Adaptor interface on a local SQLite file.
// Several processes may share the file; writers serialize on the file lock.
type SQLiteAdaptor struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteAdaptor, error) {
	a := &SQLiteAdaptor{path: path}
	db, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	a.db = db
	return a, nil
}

func (a *SQLiteAdaptor) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(a.path))
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", ErrConnection, err)
	}
	return db, nil
}

// sqliteDSN enables WAL, foreign keys, a busy timeout and immediate write
// transactions so concurrent writers wait instead of deadlocking.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
}

func (a *SQLiteAdaptor) Dialect() string { return DialectSQLite }

func (a *SQLiteAdaptor) conn() *sql.DB {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db
}

func (a *SQLiteAdaptor) Ping(ctx context.Context) error {
	if err := a.conn().PingContext(ctx); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func (a *SQLiteAdaptor) Close() error {
	return a.conn().Close()
}

func (a *SQLiteAdaptor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := a.run(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (a *SQLiteAdaptor) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	var rows *sql.Rows
	err := a.run(ctx, func(db *sql.DB) error {
		var err error
		rows, err = db.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (a *SQLiteAdaptor) ExecuteMany(ctx context.Context, query string, argSets [][]any) (int64, error) {
	if len(argSets) == 0 {
		return 0, nil
	}

	var affected int64
	err := a.run(ctx, func(db *sql.DB) error {
		affected = 0
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, args := range argSets {
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			affected += n
		}
		return tx.Commit()
	})
	return affected, err
}

func (a *SQLiteAdaptor) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var tx *sql.Tx
	err := a.run(ctx, func(db *sql.DB) error {
		var err error
		tx, err = db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func (a *SQLiteAdaptor) CreateTable(ctx context.Context, schema TableSchema) error {
	ddl, err := createTableSQL(DialectSQLite, schema)
	if err != nil {
		return err
	}
	_, err = a.Exec(ctx, ddl)
	return err
}

func (a *SQLiteAdaptor) DropTable(ctx context.Context, name string) error {
	ddl, err := dropTableSQL(name)
	if err != nil {
		return err
	}
	_, err = a.Exec(ctx, ddl)
	return err
}

// run executes op with busy-lock backoff and reopens the handle once if it
// went bad.
func (a *SQLiteAdaptor) run(ctx context.Context, op func(db *sql.DB) error) error {
	attempt := func() error {
		return retry.Do(
			func() error { return op(a.conn()) },
			retry.Context(ctx),
			retry.Attempts(busyAttempts),
			retry.Delay(busyInitialDelay),
			retry.MaxDelay(busyMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(isBusyError),
			retry.LastErrorOnly(true),
		)
	}

	err := attempt()
	if err != nil && isSQLiteConnError(err) && ctx.Err() == nil {
		slog.Warn("sqlite handle lost, reopening", "path", a.path, "error", err)
		if rerr := a.reopen(ctx); rerr != nil {
			return rerr
		}
		err = attempt()
	}
	if err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func (a *SQLiteAdaptor) reopen(ctx context.Context) error {
	db, err := a.open(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	old := a.db
	a.db = db
	a.mu.Unlock()
	old.Close()
	return nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifySQLiteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLiteError(err)
	}
	return n, nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	return &sqlRows{rows: rows}, nil
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Scan(dest ...any) error {
	if err := r.rows.Scan(dest...); err != nil {
		return fmt.Errorf("%w: scan: %v", ErrQuery, err)
	}
	return nil
}

func (r *sqlRows) Err() error {
	if err := r.rows.Err(); err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func (r *sqlRows) Close() { r.rows.Close() }

func isBusyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// errDBClosed is the text database/sql returns once the handle was closed.
const errDBClosed = "sql: database is closed"

func isSQLiteConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if strings.Contains(err.Error(), errDBClosed) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return true
		}
	}
	return false
}

func classifySQLiteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case isConstraintError(err) && strings.Contains(err.Error(), "UNIQUE"):
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case isSQLiteConnError(err), isBusyError(err):
		return fmt.Errorf("%w: %v", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %v", ErrQuery, err)
	}
}
