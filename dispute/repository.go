package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository is the Postgres Store. Each Update locks the dispute row for
// the lifetime of the transaction; votes are keyed by round and evidence rows
// are append-only.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `id, challenger, respondent, category, title, description, evidence_uri, evidence_hash,
	bond, phase, round, committee, quorum, votes_for, votes_against, total_votes,
	challenger_prevailed, resolution_hash, resolution_reason,
	created_at, review_deadline, voting_deadline, execution_deadline, resolved_at, executed_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PGRepository) Create(ctx context.Context, d Dispute, fn func(*Dispute) error) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const insert = `
		INSERT INTO disputes (challenger, respondent, category, title, description, evidence_uri, evidence_hash,
			bond, phase, created_at, review_deadline, voting_deadline, execution_deadline, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $10)
		RETURNING id
	`
	d = d.Clone()
	if err := tx.QueryRow(ctx, insert,
		d.Challenger, d.Respondent, d.Category.String(), d.Title, d.Description, d.EvidenceURI, d.EvidenceHash,
		d.Bond, d.Phase.String(), d.CreatedAt, d.ReviewDeadline, d.VotingDeadline, d.ExecutionDeadline,
	).Scan(&d.ID); err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	if fn != nil {
		if err := fn(&d); err != nil {
			return Dispute{}, err
		}
	}
	if err := save(ctx, tx, d, 0); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Update(ctx context.Context, id int64, fn func(*Dispute) error) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	d, err := load(ctx, tx, id, true)
	if err != nil {
		return Dispute{}, err
	}
	persisted := len(d.Evidence)
	if err := fn(&d); err != nil {
		return Dispute{}, err
	}
	if err := save(ctx, tx, d, persisted); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Dispute, error) {
	return load(ctx, r.pool, id, false)
}

func (r *PGRepository) List(ctx context.Context, f Filter) ([]Dispute, error) {
	phases := make([]string, 0, len(f.Phases))
	for _, p := range f.Phases {
		phases = append(phases, p.String())
	}
	query := `SELECT ` + disputeColumns + `
		FROM disputes
		WHERE ($1 = '' OR challenger = $1 OR respondent = $1 OR $1 = ANY(committee))
		  AND (cardinality($2::text[]) = 0 OR phase = ANY($2::text[]))
		  AND ($3::timestamptz IS NULL OR review_deadline <= $3)
		  AND ($4::timestamptz IS NULL OR (voting_deadline <= $4 AND execution_deadline >= $4))
		ORDER BY id`
	args := []any{f.Account, phases, optionalTime(f.ReviewDueBy), optionalTime(f.ExecutableAt)}
	if f.Limit > 0 {
		query += " LIMIT $5"
		args = append(args, f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}

	for i := range out {
		if err := loadChildren(ctx, r.pool, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func load(ctx context.Context, q querier, id int64, forUpdate bool) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	d, err := scanDispute(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, err
	}
	if err := loadChildren(ctx, q, &d); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d               Dispute
		category, phase string
	)
	err := row.Scan(
		&d.ID, &d.Challenger, &d.Respondent, &category, &d.Title, &d.Description, &d.EvidenceURI, &d.EvidenceHash,
		&d.Bond, &phase, &d.Round, &d.Committee, &d.Quorum, &d.VotesFor, &d.VotesAgainst, &d.TotalVotes,
		&d.ChallengerPrevailed, &d.ResolutionHash, &d.ResolutionReason,
		&d.CreatedAt, &d.ReviewDeadline, &d.VotingDeadline, &d.ExecutionDeadline, &d.ResolvedAt, &d.ExecutedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, err
		}
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	if d.Category, err = ParseCategory(category); err != nil {
		return Dispute{}, fmt.Errorf("dispute: scan %d: %w", d.ID, err)
	}
	if d.Phase, err = ParsePhase(phase); err != nil {
		return Dispute{}, fmt.Errorf("dispute: scan %d: %w", d.ID, err)
	}
	return d, nil
}

func loadChildren(ctx context.Context, q querier, d *Dispute) error {
	const votesQuery = `
		SELECT arbitrator, supports_challenger, rationale, confidence, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1 AND round = $2
	`
	rows, err := q.Query(ctx, votesQuery, d.ID, d.Round)
	if err != nil {
		return fmt.Errorf("dispute: load votes: %w", err)
	}
	d.Votes = make(map[string]Vote)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.Arbitrator, &v.SupportsChallenger, &v.Rationale, &v.Confidence, &v.CastAt); err != nil {
			rows.Close()
			return fmt.Errorf("dispute: scan vote: %w", err)
		}
		d.Votes[v.Arbitrator] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate votes: %w", err)
	}

	const evidenceQuery = `
		SELECT seq, submitter, category, uri, content_hash, description, submitted_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY seq
	`
	rows, err = q.Query(ctx, evidenceQuery, d.ID)
	if err != nil {
		return fmt.Errorf("dispute: load evidence: %w", err)
	}
	defer rows.Close()
	d.Evidence = nil
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.Seq, &ev.Submitter, &ev.Category, &ev.URI, &ev.ContentHash, &ev.Description, &ev.SubmittedAt); err != nil {
			return fmt.Errorf("dispute: scan evidence: %w", err)
		}
		d.Evidence = append(d.Evidence, ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return nil
}

// save writes the mutable columns, inserts any vote of the current round not
// yet stored and appends evidence beyond the first persisted entries.
func save(ctx context.Context, tx pgx.Tx, d Dispute, persisted int) error {
	const update = `
		UPDATE disputes SET
			phase = $2, round = $3, committee = $4, quorum = $5,
			votes_for = $6, votes_against = $7, total_votes = $8,
			challenger_prevailed = $9, resolution_hash = $10, resolution_reason = $11,
			review_deadline = $12, voting_deadline = $13, execution_deadline = $14,
			resolved_at = $15, executed_at = $16, updated_at = $17
		WHERE id = $1
	`
	committee := d.Committee
	if committee == nil {
		committee = []string{}
	}
	if _, err := tx.Exec(ctx, update,
		d.ID, d.Phase.String(), d.Round, committee, d.Quorum,
		d.VotesFor, d.VotesAgainst, d.TotalVotes,
		d.ChallengerPrevailed, d.ResolutionHash, d.ResolutionReason,
		d.ReviewDeadline, d.VotingDeadline, d.ExecutionDeadline,
		d.ResolvedAt, d.ExecutedAt, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("dispute: update %d: %w", d.ID, err)
	}

	const insertVote = `
		INSERT INTO dispute_votes (dispute_id, round, arbitrator, supports_challenger, rationale, confidence, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dispute_id, round, arbitrator) DO NOTHING
	`
	for _, v := range d.Votes {
		if _, err := tx.Exec(ctx, insertVote, d.ID, d.Round, v.Arbitrator, v.SupportsChallenger, v.Rationale, v.Confidence, v.CastAt); err != nil {
			return fmt.Errorf("dispute: insert vote: %w", err)
		}
	}

	const insertEvidence = `
		INSERT INTO dispute_evidence (dispute_id, seq, submitter, category, uri, content_hash, description, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if persisted > len(d.Evidence) {
		return fmt.Errorf("dispute: evidence of %d shrank", d.ID)
	}
	for _, ev := range d.Evidence[persisted:] {
		if _, err := tx.Exec(ctx, insertEvidence, d.ID, ev.Seq, ev.Submitter, ev.Category, ev.URI, ev.ContentHash, ev.Description, ev.SubmittedAt); err != nil {
			return fmt.Errorf("dispute: insert evidence: %w", err)
		}
	}
	return nil
}
