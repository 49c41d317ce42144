// Package pg is the managed-mode storage engine: the same schema and
// version discipline as the sqlite backend, on a shared Postgres so
// several fabric nodes can point at one database.
package pg

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Options configures the engine.
type Options struct {
	DSN       string
	MachineID string
	// Quotas caps live items per category; 0 = unbounded.
	Quotas map[store.Category]int64
}

// Engine implements store.Engine, store.RuleStore and
// store.SnapshotStore on Postgres via the pgx stdlib driver.
type Engine struct {
	db        *sql.DB
	machineID string
	quotas    map[store.Category]int64
}

// Open connects to Postgres and brings the schema current.
func Open(opts Options) (*Engine, error) {
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := &Engine{db: db, machineID: opts.MachineID, quotas: opts.Quotas}
	slog.Info("storage opened", "backend", "postgres", "machine", opts.MachineID)
	return e, nil
}

// Close closes the underlying pool.
func (e *Engine) Close() error { return e.db.Close() }

// DB exposes the handle for the migrate subcommand and tests.
func (e *Engine) DB() *sql.DB { return e.db }

// Migrate brings the schema to the latest embedded version.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrateVersion reports the current schema version.
func MigrateVersion(db *sql.DB) (uint, bool, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, err
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return 0, false, err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	return v, dirty, err
}

func unavailable(err error) error {
	return &protocol.Error{Kind: protocol.KindStorageUnavailable, Detail: err.Error(), Retriable: true}
}
