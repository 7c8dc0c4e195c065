package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
)

// Store provides access to the PostgreSQL tool allowlist.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres through the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: ping: %w", err)
	}
	return db, nil
}

// Schema creates the allowlist table. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS tool_permissions (
	id          BIGSERIAL PRIMARY KEY,
	caller_id   BIGINT      NOT NULL,
	tool_name   TEXT        NOT NULL,
	is_allowed  BOOLEAN     NOT NULL DEFAULT TRUE,
	granted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	granted_by  BIGINT,
	revoked_at  TIMESTAMPTZ,
	revoked_by  BIGINT,
	notes       TEXT,
	CONSTRAINT tool_permissions_caller_tool_key UNIQUE (caller_id, tool_name)
);
CREATE INDEX IF NOT EXISTS tool_permissions_caller_idx ON tool_permissions (caller_id);
`

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
