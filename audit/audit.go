// Package audit provides the append-only sinks that receive one event per
// dispute state transition, vote, evidence submission and pool change.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	EventDisputeCreated    = "DISPUTE_CREATED"
	EventCommitteeAssigned = "COMMITTEE_ASSIGNED"
	EventEvidenceSubmitted = "EVIDENCE_SUBMITTED"
	EventVotingOpened      = "VOTING_OPENED"
	EventVoteCast          = "VOTE_CAST"
	EventDisputeResolved   = "DISPUTE_RESOLVED"
	EventDisputeExecuted   = "DISPUTE_EXECUTED"
	EventDisputeAppealed   = "DISPUTE_APPEALED"
	EventDisputeRejected   = "DISPUTE_REJECTED"
	EventExecutionReopened = "EXECUTION_REOPENED"
	EventArbitratorAdmit   = "ARBITRATOR_ADMITTED"
	EventArbitratorRemove  = "ARBITRATOR_REMOVED"
	EventParamsUpdated     = "PARAMS_UPDATED"
)

// Event is a single audit entry.
type Event struct {
	Type        string
	Account     string
	DisputeID   int64
	ContentHash string
	Payload     map[string]any
	At          time.Time
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Logger writes events to a zap logger.
type Logger struct {
	log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Record(_ context.Context, ev Event) error {
	l.log.Info("audit",
		zap.String("event", ev.Type),
		zap.String("account", ev.Account),
		zap.Int64("dispute_id", ev.DisputeID),
		zap.String("content_hash", ev.ContentHash),
		zap.Any("payload", ev.Payload),
		zap.Time("at", ev.At),
	)
	return nil
}

// Fanout delivers every event to each sink and joins their errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Record(_ context.Context, ev Event) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns the recorded events, optionally filtered by dispute id.
func (r *Recorder) Events(disputeID int64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if disputeID == 0 || ev.DisputeID == disputeID {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event types recorded for disputeID in order.
func (r *Recorder) Types(disputeID int64) []string {
	events := r.Events(disputeID)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
