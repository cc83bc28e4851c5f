package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationFiles embed.FS

// runMigrations applies the embedded migrations for the dialect. When dedicated is false db is
// the store's shared handle and the migrate instance is left open, since closing its driver
// would close db as well.
func runMigrations(db *sql.DB, d dialect, dedicated bool) (err error) {
	src, err := iofs.New(migrationFiles, "migrations/"+d.name())
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	driver, err := d.migrationDriver(db)
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, d.name(), driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if dedicated {
		defer func() {
			srcErr, dbErr := m.Close()
			if err == nil {
				err = errors.Join(srcErr, dbErr)
			}
		}()
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
