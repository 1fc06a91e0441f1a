package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jw6ventures/calremind/internal/metrics"
)

// dbPool is the subset of *pgxpool.Pool the repositories use.
type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool dbPool

	Users       UserRepository
	Occurrences OccurrenceRepository
}

// New wires concrete repository implementations with shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return newStore(pool)
}

func newStore(pool dbPool) *Store {
	return &Store{
		pool:        pool,
		Users:       &userRepo{pool: pool},
		Occurrences: &occurrenceRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}

// WithAdvisoryLock runs fn while holding the transaction-scoped advisory lock
// key. It returns false without calling fn when another session holds it.
func (s *Store) WithAdvisoryLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error) {
	defer observeDB(ctx, "db.advisory_lock")()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		return true, err
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("release advisory lock: %w", err)
	}
	return true, nil
}

func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
