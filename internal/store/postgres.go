// ABOUTME: PostgreSQL implementation of the KV interface using pgx and goose
// ABOUTME: Runs embedded migrations on open and mirrors the SQLite kv layout

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// PostgresStore implements the KV interface on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgresStore connects with the pgx driver, applies migrations and
// returns a ready store.
func OpenPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := NewPostgresStore(db, logger)
	s.logger.Info("PostgreSQL store initialized")
	return s, nil
}

// NewPostgresStore wraps an already-migrated connection pool.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "store", "driver", "postgres"),
	}
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, "migrations")
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get retrieves a value. Returns ErrNotFound if the key doesn't exist.
func (s *PostgresStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM relay_kv WHERE namespace = $1 AND key = $2`, string(ns), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: querying %s: %w", ns, err)
	}
	return value, nil
}

// Put creates or replaces a value.
func (s *PostgresStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}

	query := `
		INSERT INTO relay_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, string(ns), key, value); err != nil {
		return fmt.Errorf("db error: writing %s: %w", ns, err)
	}
	return nil
}

// Delete removes a value. Missing keys are ignored.
func (s *PostgresStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_kv WHERE namespace = $1 AND key = $2`, string(ns), key,
	); err != nil {
		return fmt.Errorf("db error: deleting %s: %w", ns, err)
	}
	return nil
}

// Take removes a value and returns what was stored.
// Returns ErrNotFound if the key doesn't exist.
func (s *PostgresStore) Take(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM relay_kv WHERE namespace = $1 AND key = $2 RETURNING value`, string(ns), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: taking %s: %w", ns, err)
	}
	return value, nil
}
