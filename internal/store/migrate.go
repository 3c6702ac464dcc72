package store

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// RunMigrations applies every pending migration for driver ("postgres" or
// "sqlite") against the database at url.
func RunMigrations(driver, url string) error {
	dir, dbURL, err := migrationTarget(driver, url)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("%w: init migrations: %v", ErrConnection, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func migrationTarget(driver, url string) (string, string, error) {
	switch driver {
	case "postgres":
		return "migrations/postgres", url, nil
	case "sqlite":
		if strings.HasPrefix(url, "sqlite3://") {
			return "migrations/sqlite", url, nil
		}
		return "migrations/sqlite", "sqlite3://" + url, nil
	default:
		return "", "", fmt.Errorf("unknown database driver %q: must be one of postgres, sqlite", driver)
	}
}
