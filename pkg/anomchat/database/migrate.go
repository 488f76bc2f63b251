package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// newMigrator builds a migrate instance over the embedded SQL files for the
// given backend.
func newMigrator(db *sqlx.DB, backend BackendType) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("database connection is nil, cannot apply migrations")
	}

	dir := "migrations/sqlite"
	if backend == BackendPostgreSQL {
		dir = "migrations/postgres"
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create embed source driver: %w", err)
	}

	var (
		dbDriver migratedb.Driver
		dbName   string
	)
	switch backend {
	case BackendPostgreSQL:
		// The pgx driver pins one pooled connection for the lifetime of
		// the store.
		dbDriver, err = migratepgx.WithInstance(db.DB, &migratepgx.Config{})
		dbName = "pgx5"
	default:
		dbDriver, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
		dbName = "sqlite3"
	}
	if err != nil {
		return nil, fmt.Errorf("create %s migration driver: %w", dbName, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, dbDriver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// applyMigrations brings the schema to the latest version.
func applyMigrations(db *sqlx.DB, backend BackendType, logger *slog.Logger) error {
	m, err := newMigrator(db, backend)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("database: no migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("database: migrations applied", "version", version, "dirty", dirty)
	return nil
}

// SchemaVersion returns the applied schema version and whether the last
// migration failed midway.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := newMigrator(s.db, s.backend)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
