// Package migrate runs the schema migrations under migrations/ using
// golang-migrate, so schema changes stay reorderable and reversible instead
// of living in a hand-rolled embedded-SQL runner.
package migrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultSourceURL points at the repository-root migrations directory. A
// deployment that places the binary elsewhere overrides it via
// MIGRATIONS_PATH.
const DefaultSourceURL = "file://migrations"

// Up applies all pending migrations found at sourceURL against db.
func Up(db *sql.DB, sourceURL string) error {
	m, err := newMigrator(db, sourceURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func Down(db *sql.DB, sourceURL string) error {
	m, err := newMigrator(db, sourceURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migration: %w", err)
	}
	return nil
}

// Version reports the currently applied migration version and whether the
// schema is in a dirty (partially-applied) state.
func Version(db *sql.DB, sourceURL string) (uint, bool, error) {
	m, err := newMigrator(db, sourceURL)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(db *sql.DB, sourceURL string) (*migrate.Migrate, error) {
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("build postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("build migrator: %w", err)
	}
	return m, nil
}
