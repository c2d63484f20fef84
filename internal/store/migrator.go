package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
)

// migrationsFS embeds the postgres-only schema history, trimmed from a
// multi-backend migrator down to the single backend this gateway runs on.
//
//go:embed migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations with golang-migrate.
type Migrator struct {
	db *sql.DB
	m  *migrate.Migrate
}

// NewMigrator opens its own database/sql connection (golang-migrate's
// postgres driver requires one; this is independent of the pgxpool used
// for normal query traffic).
func NewMigrator(databaseURL string) (*Migrator, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrator: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrator: ping: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrator: driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrator: source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrator: instance: %w", err)
	}

	return &Migrator{db: db, m: m}, nil
}

// Up applies all pending migrations. ErrNoChange is not an error.
func (mg *Migrator) Up(ctx context.Context) error {
	_ = ctx
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrator: up: %w", err)
	}
	return nil
}

func (mg *Migrator) Version() (uint, bool, error) {
	return mg.m.Version()
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	mg.db.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
