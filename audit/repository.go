package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink appends each event to audit_events and publishes it on the outbox in
// the same transaction.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, ev Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New()
	if err := insertEvent(ctx, tx, id, ev); err != nil {
		return err
	}

	outboxPayload := map[string]any{
		"audit_id":   id.String(),
		"event_type": ev.Type,
		"account":    ev.Account,
		"dispute_id": ev.DisputeID,
	}
	if err := enqueueOutbox(ctx, tx, topicFor(ev.Type), outboxPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, id uuid.UUID, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	var disputeID any
	if ev.DisputeID != 0 {
		disputeID = ev.DisputeID
	}
	const q = `
INSERT INTO audit_events (id, event_type, account, dispute_id, content_hash, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, COALESCE($7, now()))
`
	var at any
	if !ev.At.IsZero() {
		at = ev.At.UTC()
	}
	if _, err := tx.Exec(ctx, q, id, ev.Type, ev.Account, disputeID, ev.ContentHash, body, at); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, uuid.New(), topic, body); err != nil {
		return fmt.Errorf("audit: enqueue outbox: %w", err)
	}
	return nil
}

// topicFor maps DISPUTE_EXECUTED to dispute.executed.
func topicFor(eventType string) string {
	return strings.ToLower(strings.Replace(eventType, "_", ".", 1))
}
