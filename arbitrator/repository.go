package arbitrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/syndtr/goleveldb/leveldb"

	"arbiterflow/db"
)

// PGRepository persists arbitrator records in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const upsertRecord = `
	INSERT INTO arbitrators (account, total_cases, aligned_decisions, missed_votes, reputation, active, joined_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (account) DO UPDATE
	SET total_cases = EXCLUDED.total_cases,
	    aligned_decisions = EXCLUDED.aligned_decisions,
	    missed_votes = EXCLUDED.missed_votes,
	    reputation = EXCLUDED.reputation,
	    active = EXCLUDED.active,
	    updated_at = now()
`

func recordArgs(rec Record) []any {
	return []any{rec.Account, rec.TotalCases, rec.AlignedDecisions, rec.MissedVotes, rec.Reputation, rec.Active, rec.JoinedAt}
}

func (r *PGRepository) Save(ctx context.Context, rec Record) error {
	if _, err := r.pool.Exec(ctx, upsertRecord, recordArgs(rec)...); err != nil {
		return fmt.Errorf("arbitrator: upsert: %w", err)
	}
	return nil
}

// SaveOutcome claims reference and upserts rec in one transaction.
func (r *PGRepository) SaveOutcome(ctx context.Context, rec Record, outcome Outcome, delta int64, reference string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("arbitrator: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO arbitrator_outcomes (reference, account, outcome, delta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference) DO NOTHING
	`, reference, rec.Account, outcome.String(), delta)
	if err != nil {
		return false, fmt.Errorf("arbitrator: insert outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, upsertRecord, recordArgs(rec)...); err != nil {
		return false, fmt.Errorf("arbitrator: upsert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("arbitrator: commit outcome: %w", err)
	}
	return true, nil
}

func (r *PGRepository) LoadAll(ctx context.Context) ([]Record, error) {
	const query = `
		SELECT account, total_cases, aligned_decisions, missed_votes, reputation, active, joined_at
		FROM arbitrators
		ORDER BY account
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("arbitrator: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 16)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Account, &rec.TotalCases, &rec.AlignedDecisions, &rec.MissedVotes, &rec.Reputation, &rec.Active, &rec.JoinedAt); err != nil {
			return nil, fmt.Errorf("arbitrator: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitrator: iterate: %w", err)
	}
	return out, nil
}

const (
	levelPrefix        = "arbitrator:"
	levelOutcomePrefix = "arbitrator-outcome:"
)

// LevelRecordStore persists arbitrator records as JSON values in LevelDB.
type LevelRecordStore struct {
	db *db.LevelDB
}

func NewLevelRecordStore(ldb *db.LevelDB) *LevelRecordStore {
	return &LevelRecordStore{db: ldb}
}

func (s *LevelRecordStore) Save(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(levelPrefix+rec.Account), data)
}

// SaveOutcome writes the record and an outcome marker in one batch.
func (s *LevelRecordStore) SaveOutcome(_ context.Context, rec Record, outcome Outcome, _ int64, reference string) (bool, error) {
	marker := []byte(levelOutcomePrefix + reference)
	if _, err := s.db.Get(marker); err == nil {
		return false, nil
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return false, fmt.Errorf("arbitrator: read outcome %s: %w", reference, err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(levelPrefix+rec.Account), data)
	batch.Put(marker, []byte(outcome.String()))
	if err := s.db.Write(batch); err != nil {
		return false, fmt.Errorf("arbitrator: write outcome %s: %w", reference, err)
	}
	return true, nil
}

func (s *LevelRecordStore) LoadAll(_ context.Context) ([]Record, error) {
	iter := s.db.NewPrefixIterator([]byte(levelPrefix))
	defer iter.Release()

	var out []Record
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("arbitrator: decode %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Get loads a single persisted record.
func (s *LevelRecordStore) Get(account string) (Record, error) {
	data, err := s.db.Get([]byte(levelPrefix + account))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
