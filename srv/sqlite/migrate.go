package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFs embed.FS

// ErrSchemaAhead is returned when the database was migrated by a newer
// build than this one.
var ErrSchemaAhead = errors.New("database schema is newer than this build")

// MigrateUp applies every embedded migration the database is missing.
func (s *Storage) MigrateUp() error {
	if err := migrateUp(s.db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version, zero for a database
// that was never migrated.
func (s *Storage) SchemaVersion() (uint, error) {
	m, err := newMigrate(s.db)
	if err != nil {
		return 0, err
	}
	version, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	return version, err
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFs, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "agentflow", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// migrateUp refuses to touch a dirty database or one whose version is past
// the newest embedded migration. Workers of an older build would otherwise
// run against tables they do not understand.
func migrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	current, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case dirty:
		return fmt.Errorf("database is dirty at schema version %d; fix it and force the version", current)
	default:
		latest, err := latestMigration()
		if err != nil {
			return err
		}
		if current > latest {
			return fmt.Errorf("%w: database at %d, build knows %d", ErrSchemaAhead, current, latest)
		}
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, _, _ := m.Version()
	log.Info().Uint("from", current).Uint("to", version).Msg("Migrated database schema")
	return nil
}

// latestMigration is the version of the newest embedded up migration.
func latestMigration() (uint, error) {
	names, err := fs.Glob(migrationsFs, "migrations/*.up.sql")
	if err != nil {
		return 0, err
	}
	var latest uint
	for _, name := range names {
		var version uint
		if _, err := fmt.Sscanf(name, "migrations/%d_", &version); err != nil {
			return 0, fmt.Errorf("malformed migration name %s: %w", name, err)
		}
		latest = max(latest, version)
	}
	return latest, nil
}
