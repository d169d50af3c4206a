// Package incentive forwards punitive slashing requests to the platform's
// staking module.
package incentive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TopicSlash is the outbox topic consumed by the staking module.
const TopicSlash = "incentive.slash"

var (
	ErrMissingAccount   = errors.New("incentive: missing account")
	ErrMissingReference = errors.New("incentive: missing reference")
)

// slashNamespace derives outbox ids from references so a replayed slash maps
// onto the row it already wrote.
var slashNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("arbiterflow:"+TopicSlash))

// SlashRequest is one forwarded slash.
type SlashRequest struct {
	Account     string
	Reason      string
	Reference   string
	RequestedAt time.Time
}

func validate(account, reference string) error {
	if account == "" {
		return ErrMissingAccount
	}
	if reference == "" {
		return ErrMissingReference
	}
	return nil
}

// OutboxSlasher publishes slash requests through the transactional outbox.
type OutboxSlasher struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewOutboxSlasher(pool *pgxpool.Pool) *OutboxSlasher {
	return &OutboxSlasher{pool: pool, now: time.Now}
}

// Slash enqueues one request per reference. Replays are no-ops.
func (s *OutboxSlasher) Slash(ctx context.Context, account, reason, reference string) error {
	if err := validate(account, reference); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"account":      account,
		"reason":       reason,
		"reference":    reference,
		"requested_at": s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("incentive: marshal slash payload: %w", err)
	}
	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb) ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, SlashID(reference), TopicSlash, body); err != nil {
		return fmt.Errorf("incentive: enqueue slash: %w", err)
	}
	return nil
}

// SlashID is the outbox id used for reference.
func SlashID(reference string) uuid.UUID {
	return uuid.NewSHA1(slashNamespace, []byte(reference))
}

// Recorder keeps slash requests in memory.
type Recorder struct {
	mu       sync.Mutex
	requests []SlashRequest
	seen     map[string]struct{}
}

func (r *Recorder) Slash(_ context.Context, account, reason, reference string) error {
	if err := validate(account, reference); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	if _, ok := r.seen[reference]; ok {
		return nil
	}
	r.seen[reference] = struct{}{}
	r.requests = append(r.requests, SlashRequest{Account: account, Reason: reason, Reference: reference, RequestedAt: time.Now().UTC()})
	return nil
}

func (r *Recorder) Requests() []SlashRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SlashRequest, len(r.requests))
	copy(out, r.requests)
	return out
}
