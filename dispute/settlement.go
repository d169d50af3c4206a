package dispute

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"arbiterflow/arbitrator"
	"arbiterflow/audit"
)

// Execute pays the bond to the prevailing side and applies the incentive
// deltas. Every effect runs inside the store update before the transition to
// Executed, so any failure leaves the dispute Resolved. Each effect is keyed by
// a per-dispute reference, which makes a retry apply only what is missing.
func (e *Engine) Execute(ctx context.Context, actor Actor, id int64) (Settlement, error) {
	now := e.now().UTC()
	var s Settlement
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if d.Phase != PhaseResolved {
			return fmt.Errorf("%w: cannot execute while %s", ErrBadPhase, d.Phase)
		}
		if err := checkExecutionWindow(*d, now); err != nil {
			return err
		}
		if err := e.ledger.Credit(ctx, winner(*d), d.Bond, payoutRef(d.ID)); err != nil {
			return fmt.Errorf("dispute: pay out bond: %w", err)
		}
		settled, err := e.settle(ctx, *d)
		if err != nil {
			return err
		}
		if err := d.transition(PhaseExecuted); err != nil {
			return err
		}
		s = settled
		d.ExecutedAt = &now
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	e.emit(ctx, audit.Event{
		Type:        audit.EventDisputeExecuted,
		Account:     actor.ID,
		DisputeID:   d.ID,
		ContentHash: d.ResolutionHash,
		Payload: map[string]any{
			"winner":               s.Winner,
			"amount":               s.Amount,
			"challenger_prevailed": s.ChallengerPrevailed,
			"slashed":              s.Slashed,
		},
		At: now,
	})
	e.log.Info("dispute executed",
		zap.Int64("dispute_id", d.ID),
		zap.String("winner", s.Winner),
		zap.Int64("amount", s.Amount),
	)
	return s, nil
}

// settle applies the reputation, slashing and arbitrator effects of d. It
// stops at the first failure; effects already applied are replay-safe.
func (e *Engine) settle(ctx context.Context, d Dispute) (Settlement, error) {
	sp := e.Params().Settlement
	s := Settlement{
		DisputeID:           d.ID,
		Winner:              winner(d),
		Amount:              d.Bond,
		ChallengerPrevailed: d.ChallengerPrevailed,
	}

	challengerDelta, respondentDelta := sp.ChallengerLoss, sp.RespondentWin
	if d.ChallengerPrevailed {
		challengerDelta, respondentDelta = sp.ChallengerWin, sp.RespondentLoss
	}
	if err := e.adjustTrust(ctx, d.Challenger, challengerDelta, partyRef(d.ID, d.Challenger)); err != nil {
		return Settlement{}, err
	}
	if err := e.adjustTrust(ctx, d.Respondent, respondentDelta, partyRef(d.ID, d.Respondent)); err != nil {
		return Settlement{}, err
	}
	if d.ChallengerPrevailed && d.Category.Punitive() {
		if err := e.slasher.Slash(ctx, d.Respondent, d.Category.String(), slashRef(d.ID)); err != nil {
			return Settlement{}, fmt.Errorf("dispute: slash %s: %w", d.Respondent, err)
		}
		s.Slashed = true
	}

	for _, member := range d.Committee {
		outcome, repDelta, trustDelta := classify(d, member, sp)
		ref := arbitratorRef(d.ID, member)
		if _, err := e.pool.RecordOutcome(ctx, member, outcome, repDelta, ref); err != nil {
			return Settlement{}, fmt.Errorf("dispute: record outcome of %s: %w", member, err)
		}
		if err := e.adjustTrust(ctx, member, trustDelta, ref); err != nil {
			return Settlement{}, err
		}
		s.Arbitrators = append(s.Arbitrators, ArbitratorOutcome{
			Account:         member,
			Outcome:         outcome.String(),
			ReputationDelta: repDelta,
			TrustDelta:      trustDelta,
		})
	}
	return s, nil
}

func classify(d Dispute, member string, sp SettlementParams) (arbitrator.Outcome, int64, int64) {
	v, voted := d.Votes[member]
	switch {
	case !voted:
		return arbitrator.OutcomeAbsent, sp.AbsentReputation, sp.AbsentTrust
	case v.SupportsChallenger == d.ChallengerPrevailed:
		return arbitrator.OutcomeAligned, sp.AlignedReputation, sp.AlignedTrust
	default:
		return arbitrator.OutcomeDissented, sp.DissentReputation, sp.DissentTrust
	}
}

func winner(d Dispute) string {
	if d.ChallengerPrevailed {
		return d.Challenger
	}
	return d.Respondent
}

// checkExecutionWindow enforces [VotingDeadline, ExecutionDeadline], shared by
// Execute and Appeal.
func checkExecutionWindow(d Dispute, now time.Time) error {
	if now.Before(d.VotingDeadline) {
		return fmt.Errorf("%w: execution opens %s", ErrWindowNotOpen, d.VotingDeadline.Format(time.RFC3339))
	}
	if now.After(d.ExecutionDeadline) {
		return fmt.Errorf("%w: execution ended %s", ErrWindowClosed, d.ExecutionDeadline.Format(time.RFC3339))
	}
	return nil
}

// Appeal reopens a resolved dispute for a new round. Only the parties may
// appeal, inside the execution window, and only before any payout was booked:
// once an interrupted Execute has credited the bond, the settlement has to be
// finished instead. The new round gets a fresh committee, cleared ballots and
// deadlines restarted from now; the bond stays escrowed.
func (e *Engine) Appeal(ctx context.Context, actor Actor, id int64) (Dispute, error) {
	params := e.Params()
	now := e.now().UTC()

	var previous int
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if !d.IsParty(actor.ID) {
			return ErrForbidden
		}
		if d.Phase != PhaseResolved {
			return fmt.Errorf("%w: cannot appeal while %s", ErrBadPhase, d.Phase)
		}
		if err := checkExecutionWindow(*d, now); err != nil {
			return err
		}
		paid, err := e.ledger.Applied(ctx, payoutRef(d.ID))
		if err != nil {
			return fmt.Errorf("dispute: check payout: %w", err)
		}
		if paid {
			return fmt.Errorf("%w: bond already paid out, execute to finish settlement", ErrSettlementStarted)
		}
		if err := d.transition(PhaseAppealed); err != nil {
			return err
		}
		previous = d.Round
		d.Round++
		d.ChallengerPrevailed = false
		d.ResolutionHash = ""
		d.ResolutionReason = ""
		d.ResolvedAt = nil
		d.UpdatedAt = now
		params.schedule(d, now)
		return e.assignCommittee(d, params, now)
	})
	if err != nil {
		return Dispute{}, err
	}

	e.emit(ctx,
		audit.Event{
			Type:      audit.EventDisputeAppealed,
			Account:   actor.ID,
			DisputeID: d.ID,
			Payload:   map[string]any{"from_round": previous, "round": d.Round},
			At:        now,
		},
		committeeEvent(d, now),
	)
	return d, nil
}
