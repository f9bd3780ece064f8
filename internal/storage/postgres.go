package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS event_logs (
    id          UUID PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL,
    workflow_id UUID NOT NULL,
    step        INTEGER NOT NULL,
    mac_address TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    level       TEXT NOT NULL,
    code        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    details     JSONB
);
CREATE INDEX IF NOT EXISTS event_logs_created_at_idx ON event_logs (created_at DESC);

CREATE TABLE IF NOT EXISTS image_backups (
    id          UUID PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL,
    workflow_id UUID NOT NULL,
    mac_address TEXT NOT NULL DEFAULT '',
    provenance  TEXT NOT NULL,
    size        INTEGER NOT NULL,
    sha256      TEXT NOT NULL,
    reference   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS image_backups_mac_idx ON image_backups (mac_address, created_at DESC);
`

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore creates a new PostgreSQL store and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// ConfigurePool sets connection pool limits; zero values keep the driver defaults
func (s *PostgresStore) ConfigurePool(maxOpen, maxIdle int, lifetime time.Duration) {
	if maxOpen > 0 {
		s.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		s.db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		s.db.SetConnMaxLifetime(lifetime)
	}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (*PostgresStore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// limitArg maps a non-positive limit to NULL, which PostgreSQL treats as no limit.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
