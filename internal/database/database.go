// Package database is the Store (spec §4.1): persistence for User,
// RocketchatServer and UserOnRocketchatServer, with transactional semantics
// and unique-constraint enforcement left to the SQL schema.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// dbConn is satisfied by both *sql.DB and *sql.Tx, letting each entity store
// run unmodified whether it's operating outside or inside a transaction.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps the SQL connection and the three entity stores that back the
// bridge's persisted state.
type Store struct {
	db *sql.DB

	Users           *UserStore
	Servers         *ServerStore
	UsersOnServers  *UserOnServerStore
}

// New opens the database, verifies connectivity, and wires the entity
// stores. It does not run migrations; call RunMigrations explicitly so
// callers control when schema changes happen.
func New(driverName, dataSourceName string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return newStore(db), nil
}

// NewStoreForTest wires the entity stores over an already-open *sql.DB,
// bypassing the connectivity check in New. Exported so other packages'
// tests can wire a Store on top of a go-sqlmock connection.
func NewStoreForTest(db *sql.DB) *Store {
	return newStore(db)
}

// newStore wires the entity stores over an already-open *sql.DB. Used by
// New and by tests wiring a sqlmock DB directly.
func newStore(db *sql.DB) *Store {
	s := &Store{db: db}
	s.Users = &UserStore{db: db}
	s.Servers = &ServerStore{db: db}
	s.UsersOnServers = &UserOnServerStore{db: db}
	return s
}

// RunMigrations executes all pending, embedded SQL migrations in order,
// each inside its own transaction, tracked in schema_migrations by version.
func (s *Store) RunMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Tx is a running transaction, scoped to the three entity stores.
type Tx struct {
	Users          *UserStore
	Servers        *ServerStore
	UsersOnServers *UserOnServerStore

	tx *sql.Tx
}

// Transaction runs f inside a database transaction. Any error returned by f
// rolls back every effect f performed through tx's stores; a nil return
// commits.
func (s *Store) Transaction(ctx context.Context, f func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	tx := &Tx{
		Users:          &UserStore{db: sqlTx},
		Servers:        &ServerStore{db: sqlTx},
		UsersOnServers: &UserOnServerStore{db: sqlTx},
		tx:             sqlTx,
	}

	if err := f(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
