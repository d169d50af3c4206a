package dispute

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"arbiterflow/audit"
)

// Reject dismisses a dispute before voting starts and returns the bond to the
// challenger.
func (e *Engine) Reject(ctx context.Context, actor Actor, id int64, reason string) (Dispute, error) {
	if !actor.Admin {
		return Dispute{}, ErrForbidden
	}
	if reason == "" {
		return Dispute{}, fmt.Errorf("%w: rejection needs a reason", ErrInvalidInput)
	}
	now := e.now().UTC()
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if err := d.transition(PhaseRejected); err != nil {
			return err
		}
		if err := e.ledger.Credit(ctx, d.Challenger, d.Bond, payoutRef(d.ID)); err != nil {
			return fmt.Errorf("dispute: refund bond: %w", err)
		}
		d.ResolutionReason = reason
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}

	e.emit(ctx, audit.Event{
		Type:      audit.EventDisputeRejected,
		Account:   actor.ID,
		DisputeID: id,
		Payload:   map[string]any{"reason": reason, "refunded": d.Bond},
		At:        now,
	})
	e.log.Info("dispute rejected", zap.Int64("dispute_id", id), zap.String("admin", actor.ID))
	return d, nil
}

// ReopenExecution gives a resolved dispute whose execution window lapsed a new
// window of one execution period from now. Without it the bond would stay in
// escrow forever.
func (e *Engine) ReopenExecution(ctx context.Context, actor Actor, id int64) (Dispute, error) {
	if !actor.Admin {
		return Dispute{}, ErrForbidden
	}
	window := e.Params().ExecutionWindow
	now := e.now().UTC()

	var lapsed time.Time
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if d.Phase != PhaseResolved {
			return fmt.Errorf("%w: cannot reopen while %s", ErrBadPhase, d.Phase)
		}
		if !now.After(d.ExecutionDeadline) {
			return fmt.Errorf("%w: execution still open until %s", ErrWindowNotOpen, d.ExecutionDeadline.Format(time.RFC3339))
		}
		lapsed = d.ExecutionDeadline
		d.ExecutionDeadline = now.Add(window)
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}

	e.emit(ctx, audit.Event{
		Type:      audit.EventExecutionReopened,
		Account:   actor.ID,
		DisputeID: id,
		Payload:   map[string]any{"lapsed_deadline": lapsed, "execution_deadline": d.ExecutionDeadline},
		At:        now,
	})
	return d, nil
}
