package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated Postgres for one test run: a testcontainer unless a
// DSN is supplied, in which case the run gets its own schema.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := pgC.C == nil

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Harness{container: pgC, pool: pool, teardown: teardown, dsn: dsn}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources. Errors are returned so callers can log them.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for the next run.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"audit_events",
		"trust_score_events",
		"trust_scores",
		"ledger_entries",
		"ledger_accounts",
		"arbitrator_outcomes",
		"arbitrators",
		"dispute_evidence",
		"dispute_votes",
		"disputes",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" RESTART IDENTITY CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
