package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps trust scores in PostgreSQL with an append-only history of
// adjustments.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Score(ctx context.Context, account string) (int64, error) {
	var score int64
	err := s.pool.QueryRow(ctx, `SELECT score FROM trust_scores WHERE account = $1`, account).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reputation: score: %w", err)
	}
	return score, nil
}

// Adjust applies delta once per reference. The history row is written first;
// when its reference already exists the score is left untouched.
func (s *PGStore) Adjust(ctx context.Context, account string, delta int64, reference string) error {
	if reference == "" {
		return ErrMissingReference
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reputation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO trust_score_events (account, delta, reference)
		VALUES ($1, $2, $3)
		ON CONFLICT (reference) DO NOTHING
	`, account, delta, reference)
	if err != nil {
		return fmt.Errorf("reputation: insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO trust_scores (account, score)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE
		SET score = trust_scores.score + EXCLUDED.score,
		    updated_at = now()
	`, account, delta); err != nil {
		return fmt.Errorf("reputation: adjust: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reputation: commit: %w", err)
	}
	return nil
}

// Set overwrites the score of account without recording a history event.
func (s *PGStore) Set(ctx context.Context, account string, score int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trust_scores (account, score)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET score = EXCLUDED.score, updated_at = now()
	`, account, score)
	if err != nil {
		return fmt.Errorf("reputation: set: %w", err)
	}
	return nil
}
