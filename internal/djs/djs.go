// Package djs is the Durable Job Store: the relational source of truth for
// Job and Result rows plus the ModelVersion catalog (spec §2, §3). It is
// written by SS (create), WP (status + result), and the Sweeper (recovery).
package djs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chestxray/inferqueue/internal/djs/djssqlc"
)

// Store bundles a connection pool with the query layer.
type Store struct {
	Pool    *pgxpool.Pool
	Queries djssqlc.Querier
}

// Connect opens a pgx connection pool against dsn and wraps it in a Store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("djs: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("djs: ping: %w", err)
	}
	return &Store{Pool: pool, Queries: djssqlc.New(pool)}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// Healthy reports whether the pool can currently reach Postgres, backing the
// {db:ok} field of GET /v1/ops/health (spec §6).
func (s *Store) Healthy(ctx context.Context) bool {
	if s.Pool == nil {
		return false
	}
	return s.Pool.Ping(ctx) == nil
}

// BootstrapModelVersion ensures the model_version catalog (spec §3:
// "Created once by bootstrap; referenced by every Job") has a row for
// name, inserting one with weightsPath if it doesn't exist yet. Called
// from cmd/migrate so a fresh deploy's first POST /v1/jobs can resolve
// GetModelVersionByName instead of 500ing on pgx.ErrNoRows.
func (s *Store) BootstrapModelVersion(ctx context.Context, name, weightsPath string) error {
	_, err := s.Queries.GetModelVersionByName(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("djs: bootstrap: lookup %q: %w", name, err)
	}

	_, err = s.Queries.InsertModelVersion(ctx, djssqlc.InsertModelVersionParams{
		Name:        name,
		WeightsPath: weightsPath,
	})
	if err != nil {
		return fmt.Errorf("djs: bootstrap: insert %q: %w", name, err)
	}
	return nil
}

// WithTx runs fn against a transaction-scoped Querier, committing on success
// and rolling back on error or panic. Mirrors jobs/batch.go's
// begin/defer-rollback/commit shape. A nil Pool (a fake Queries wired
// straight into a Store for unit tests, as in internal/submission's
// tests) runs fn directly against the existing Queries with no real
// transaction, the same testability affordance Healthy makes for a nil
// Pool.
func (s *Store) WithTx(ctx context.Context, fn func(q djssqlc.Querier) error) error {
	if s.Pool == nil {
		return fn(s.Queries)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("djs: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(djssqlc.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
