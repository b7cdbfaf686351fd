// Package storage provides the PostgreSQL-backed implementations of
// model.KVStore, model.GraphStore, model.Queue, and model.AuditLog: the
// general-purpose store for memories, entities, edges, contradiction
// markers, refresh jobs, audit records, and hypothesis proposals
// (spec.md §6's storage contract, C14/C15/C16's write paths).
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool for all queries against the general-purpose store.
//
// The teacher's DB additionally held a dedicated LISTEN/NOTIFY connection
// with reconnect-with-backoff logic; this spec names no pub/sub
// collaborator (nothing in spec.md §6/§8 describes a notification
// contract), so that half of the teacher's connection-management code is
// dropped here — see DESIGN.md.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool. dsn should point at
// Postgres (directly, or through a connection pooler such as PgBouncer).
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// Register pgvector types on each new connection so the vector-typed
	// memories.explicate_embedding column round-trips correctly (the vector
	// fallback in internal/vectorindex is sqlite-backed and does not use
	// this pool). Best-effort: if the
	// extension hasn't been created yet, log and proceed — later
	// connections succeed once migrations run.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
