package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/simcamp/internal/config"
)

// Connect opens the configured engine, retrying with exponential backoff
// while the database is unreachable. Exhausted retries return ErrConnection.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (Adaptor, error) {
	var adaptor Adaptor
	err := retry.Do(
		func() error {
			var err error
			adaptor, err = connectOnce(ctx, cfg)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(cfg.RetryAttempts, 1))),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrConnection) }),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("database not reachable, retrying", "driver", cfg.Driver, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return adaptor, nil
}

func connectOnce(ctx context.Context, cfg config.DatabaseConfig) (Adaptor, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := connectPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresAdaptor(pool), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q: must be one of postgres, sqlite", cfg.Driver)
	}
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to database: %v", ErrConnection, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrConnection, err)
	}

	return pool, nil
}
