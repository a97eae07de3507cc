package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "funnelbot/pkg/logx"
)

// LatestMigrationVersion must be bumped with every new migration pair.
const LatestMigrationVersion uint = 1

var ErrMigrationDowngrade = errors.New("database downgrade detected")

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to LatestMigrationVersion. A database newer
// than this binary is refused.
func (s *SQLStore) Migrate() error {
	var (
		driver database.Driver
		err    error
	)
	switch s.dialect {
	case dialectPostgres:
		driver, err = pgmigrate.WithInstance(s.db, &pgmigrate.Config{})
	default:
		driver, err = sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	return applyMigrations(driver, "migrations/"+s.dialect.String(), s.dialect.String(), LatestMigrationVersion, s.log)
}

func applyMigrations(driver database.Driver, path, dbName string, latest uint, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, path)
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB, so it is left to the GC.
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return err
	}
	m.Log = logx.MigrateLogger{L: log}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	if version > latest {
		return fmt.Errorf("%w: db_version=%d latest=%d", ErrMigrationDowngrade, version, latest)
	}

	log.Info("applying migrations", logx.Int("from", int(version)), logx.Int("latest", int(latest)))
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	after, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.Info("database migrated", logx.Int("version", int(after)))
	return nil
}
