package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiterflow/audit"
)

// Create files a dispute, escrows the challenger's bond and assigns the first
// committee. Nothing persists unless all three succeed.
func (e *Engine) Create(ctx context.Context, actor Actor, p CreateParams) (Dispute, error) {
	p.Title = strings.TrimSpace(p.Title)
	p.Description = strings.TrimSpace(p.Description)
	switch {
	case actor.ID == "":
		return Dispute{}, fmt.Errorf("%w: missing challenger", ErrInvalidInput)
	case p.Respondent == "":
		return Dispute{}, fmt.Errorf("%w: missing respondent", ErrInvalidInput)
	case p.Respondent == actor.ID:
		return Dispute{}, fmt.Errorf("%w: challenger and respondent must differ", ErrInvalidInput)
	case p.Title == "" || p.Description == "":
		return Dispute{}, fmt.Errorf("%w: title and description are required", ErrInvalidInput)
	case !p.Category.Valid():
		return Dispute{}, fmt.Errorf("%w: unknown category", ErrInvalidInput)
	}

	params := e.Params()
	balance, err := e.ledger.Balance(ctx, actor.ID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: read balance: %w", err)
	}
	if balance < params.Bond {
		return Dispute{}, fmt.Errorf("%w: %s holds %d, bond is %d", ErrInsufficientBond, actor.ID, balance, params.Bond)
	}

	now := e.now().UTC()
	draft := Dispute{
		Challenger:   actor.ID,
		Respondent:   p.Respondent,
		Category:     p.Category,
		Title:        p.Title,
		Description:  p.Description,
		EvidenceURI:  p.EvidenceURI,
		EvidenceHash: p.EvidenceHash,
		Bond:         params.Bond,
		Phase:        PhasePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	params.schedule(&draft, now)

	var escrowed int64
	d, err := e.store.Create(ctx, draft, func(d *Dispute) error {
		if err := e.assignCommittee(d, params, now); err != nil {
			return err
		}
		if err := e.ledger.Debit(ctx, d.Challenger, d.Bond, bondRef(d.ID)); err != nil {
			return fmt.Errorf("dispute: escrow bond: %w", err)
		}
		escrowed = d.ID
		return nil
	})
	if err != nil {
		if escrowed != 0 {
			e.refundBond(ctx, escrowed, draft.Challenger, draft.Bond, err)
		}
		return Dispute{}, err
	}

	if err := e.adjustTrust(ctx, d.Challenger, params.Settlement.Creation, filedRef(d.ID)); err != nil {
		e.log.Warn("filing trust adjustment failed", zap.Int64("dispute_id", d.ID), zap.Error(err))
	}
	e.emit(ctx,
		audit.Event{
			Type:        audit.EventDisputeCreated,
			Account:     d.Challenger,
			DisputeID:   d.ID,
			ContentHash: d.EvidenceHash,
			Payload: map[string]any{
				"respondent": d.Respondent,
				"category":   d.Category.String(),
				"bond":       d.Bond,
			},
			At: now,
		},
		committeeEvent(d, now),
	)
	e.log.Info("dispute created",
		zap.Int64("dispute_id", d.ID),
		zap.String("challenger", d.Challenger),
		zap.String("respondent", d.Respondent),
		zap.Strings("committee", d.Committee),
	)
	return d, nil
}

// refundBond reverses the escrow debit of a dispute whose record failed to
// commit after the debit succeeded.
func (e *Engine) refundBond(ctx context.Context, id int64, account string, amount int64, cause error) {
	if err := e.ledger.Credit(ctx, account, amount, bondRefundRef(id)); err != nil {
		e.log.Error("bond refund failed",
			zap.Int64("dispute_id", id),
			zap.String("account", account),
			zap.Int64("amount", amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	e.log.Warn("bond refunded after failed create", zap.Int64("dispute_id", id), zap.NamedError("cause", cause))
}

// SubmitEvidence appends evidence while the review window is open. Parties and
// committee members may submit.
func (e *Engine) SubmitEvidence(ctx context.Context, actor Actor, id int64, p EvidenceParams) (Evidence, error) {
	if p.URI == "" && p.ContentHash == "" {
		return Evidence{}, fmt.Errorf("%w: evidence needs a uri or content hash", ErrInvalidInput)
	}
	now := e.now().UTC()

	var added Evidence
	_, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if !d.Involves(actor.ID) {
			return ErrForbidden
		}
		if d.Phase != PhasePending && d.Phase != PhaseUnderReview {
			return fmt.Errorf("%w: evidence not accepted while %s", ErrBadPhase, d.Phase)
		}
		if now.After(d.ReviewDeadline) {
			return fmt.Errorf("%w: review ended %s", ErrWindowClosed, d.ReviewDeadline.Format(time.RFC3339))
		}
		added = Evidence{
			Seq:         len(d.Evidence) + 1,
			Submitter:   actor.ID,
			Category:    p.Category,
			URI:         p.URI,
			ContentHash: p.ContentHash,
			Description: p.Description,
			SubmittedAt: now,
		}
		d.Evidence = append(d.Evidence, added)
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Evidence{}, err
	}

	e.emit(ctx, audit.Event{
		Type:        audit.EventEvidenceSubmitted,
		Account:     actor.ID,
		DisputeID:   id,
		ContentHash: added.ContentHash,
		Payload:     map[string]any{"seq": added.Seq, "uri": added.URI, "category": added.Category},
		At:          now,
	})
	return added, nil
}

// OpenVoting closes review and opens the ballot. Anyone may call it once the
// review deadline is reached; admins may open early.
func (e *Engine) OpenVoting(ctx context.Context, actor Actor, id int64) (Dispute, error) {
	now := e.now().UTC()
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if d.Phase != PhaseUnderReview {
			return fmt.Errorf("%w: cannot open voting while %s", ErrBadPhase, d.Phase)
		}
		if !actor.Admin && now.Before(d.ReviewDeadline) {
			return fmt.Errorf("%w: review runs until %s", ErrWindowNotOpen, d.ReviewDeadline.Format(time.RFC3339))
		}
		d.UpdatedAt = now
		return d.transition(PhaseVoting)
	})
	if err != nil {
		return Dispute{}, err
	}

	e.emit(ctx, audit.Event{
		Type:      audit.EventVotingOpened,
		Account:   actor.ID,
		DisputeID: id,
		Payload:   map[string]any{"round": d.Round, "voting_deadline": d.VotingDeadline},
		At:        now,
	})
	return d, nil
}
