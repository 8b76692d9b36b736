// Package store is the PostgreSQL persistence adapter. It owns the five
// logical tables (workflow_threads, bot_sessions, checkpoints, users,
// usage_transactions), applies field-level encryption to the sensitive column
// set on the way in and out, and exposes typed accessors used by the
// orchestrator, the workflow engine, and the post-call pipeline.
//
// Rows are the consistency boundary for cross-process coordination: the
// orchestrator process, VM-placed bot workers, and resumed workflow engines
// all observe each other only through this adapter.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the migration pass

	"github.com/pailflow/pailflow/internal/secrets"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the shared PostgreSQL-backed persistence adapter. All operations
// are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	codec *secrets.Codec
	log   *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal store warnings.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New connects to the database at dsn, applies any pending embedded
// migrations, and returns a ready Store. The codec encrypts the sensitive
// column set; it must be the same key across every process sharing the
// database or previously written rows will read back as ciphertext.
func New(ctx context.Context, dsn string, codec *secrets.Codec, opts ...Option) (*Store, error) {
	if codec == nil {
		return nil, errors.New("store: nil secrets codec")
	}

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{
		pool:  pool,
		codec: codec,
		log:   slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// runMigrations applies embedded migrations over a short-lived database/sql
// connection. The runtime pool is pgx-native; golang-migrate needs the stdlib
// driver, so the two never share a connection.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pailflow", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply: %w", err)
	}
	return source.Close()
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// encrypt seals one sensitive field for storage.
func (s *Store) encrypt(plain string) (string, error) {
	return s.codec.Encrypt(plain)
}

// decrypt opens one sensitive field; values that predate encryption pass
// through unchanged.
func (s *Store) decrypt(stored string) string {
	return s.codec.Decrypt(stored)
}
