// Package store is the Postgres-backed persistence layer (spec §3, §9): the
// store owns the entity graph and is the authoritative topology, so
// ancestor/descendant walks go through recursive SQL rather than an
// in-memory graph. Grounded on the teacher's internal/db/postgres.go
// connection/transaction plumbing.
package store

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool with the query methods every engine component
// needs. The inflation-checker workers (spec §4.6) all share the engine's
// one Store; the pool lends each query its own connection, and no worker
// holds a dedicated connection.
type Store struct {
	pool *pgxpool.Pool
}

// Connect dials Postgres and verifies connectivity with a ping, mirroring
// the teacher's db.Connect.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	log.Println("[store] connected to postgres")
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql, the same pattern as the
// teacher's InitSchema reading internal/db/schema.sql.
func (s *Store) InitSchema(ctx context.Context, schemaPath string) error {
	schemaBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	log.Println("[store] schema initialized")
	return nil
}

func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic, the same explicit Begin/Commit/Rollback shape the
// teacher's SaveAnalysisResult uses.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
