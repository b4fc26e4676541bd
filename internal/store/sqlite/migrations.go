package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// EnsureMigrations brings the schema at path up to date. It uses its own
// connection because closing a migrate instance closes the database.
func EnsureMigrations(path string, log zerolog.Logger) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() {
		e1, e2 := m.Close()
		if e1 != nil || e2 != nil {
			log.Warn().AnErr("source", e1).AnErr("database", e2).Msg("close-migration")
		}
	}()

	log.Info().Str("path", path).Msg("bringing-up-migration")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
