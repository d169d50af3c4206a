package dispute

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"arbiterflow/audit"
)

const (
	reasonQuorum = "quorum reached"
	reasonForced = "resolved by administrator"
)

// CastVote records a committee member's ballot. The vote that brings the tally
// to quorum resolves the dispute in the same update.
func (e *Engine) CastVote(ctx context.Context, actor Actor, id int64, p VoteParams) (Dispute, error) {
	if p.Confidence < 1 || p.Confidence > 100 {
		return Dispute{}, fmt.Errorf("%w: confidence %d outside [1, 100]", ErrInvalidInput, p.Confidence)
	}
	now := e.now().UTC()

	var resolved bool
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if d.Phase != PhaseVoting {
			return fmt.Errorf("%w: cannot vote while %s", ErrBadPhase, d.Phase)
		}
		if now.After(d.VotingDeadline) {
			return fmt.Errorf("%w: voting ended %s", ErrWindowClosed, d.VotingDeadline.Format(time.RFC3339))
		}
		if !d.InCommittee(actor.ID) {
			return ErrNotCommittee
		}
		if _, ok := d.Votes[actor.ID]; ok {
			return ErrDuplicateVote
		}

		if d.Votes == nil {
			d.Votes = make(map[string]Vote)
		}
		d.Votes[actor.ID] = Vote{
			Arbitrator:         actor.ID,
			SupportsChallenger: p.SupportsChallenger,
			Rationale:          p.Rationale,
			Confidence:         p.Confidence,
			CastAt:             now,
		}
		if p.SupportsChallenger {
			d.VotesFor++
		} else {
			d.VotesAgainst++
		}
		d.TotalVotes++
		d.UpdatedAt = now

		if d.TotalVotes >= d.Quorum {
			resolved = true
			return resolve(d, reasonQuorum, now)
		}
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}

	events := []audit.Event{{
		Type:      audit.EventVoteCast,
		Account:   actor.ID,
		DisputeID: id,
		Payload:   map[string]any{"round": d.Round, "supports_challenger": p.SupportsChallenger, "confidence": p.Confidence},
		At:        now,
	}}
	if resolved {
		events = append(events, resolvedEvent(d, now))
	}
	e.emit(ctx, events...)
	return d, nil
}

// ForceResolve lets an admin close voting once the deadline has passed or the
// quorum is already met.
func (e *Engine) ForceResolve(ctx context.Context, actor Actor, id int64, reason string) (Dispute, error) {
	if !actor.Admin {
		return Dispute{}, ErrForbidden
	}
	if reason == "" {
		reason = reasonForced
	}
	now := e.now().UTC()
	d, err := e.store.Update(ctx, id, func(d *Dispute) error {
		if d.Phase != PhaseVoting {
			return fmt.Errorf("%w: cannot resolve while %s", ErrBadPhase, d.Phase)
		}
		if !now.After(d.VotingDeadline) && d.TotalVotes < d.Quorum {
			return fmt.Errorf("%w: voting open until %s with %d of %d votes", ErrWindowNotOpen, d.VotingDeadline.Format(time.RFC3339), d.TotalVotes, d.Quorum)
		}
		return resolve(d, reason, now)
	})
	if err != nil {
		return Dispute{}, err
	}

	ev := resolvedEvent(d, now)
	ev.Account = actor.ID
	e.emit(ctx, ev)
	e.log.Info("dispute force-resolved", zap.Int64("dispute_id", id), zap.String("admin", actor.ID), zap.String("reason", reason))
	return d, nil
}

// resolve fixes the outcome from the tally. A tie or an empty tally favours
// the respondent.
func resolve(d *Dispute, reason string, now time.Time) error {
	if err := d.transition(PhaseResolved); err != nil {
		return err
	}
	d.ChallengerPrevailed = d.VotesFor > d.VotesAgainst
	d.ResolutionReason = reason
	d.ResolutionHash = ResolutionHash(*d)
	d.ResolvedAt = &now
	d.UpdatedAt = now
	return nil
}

// ResolutionHash commits to the outcome of the dispute's current round: hex
// blake2b-256 over id, round, tallies, outcome and reason.
func ResolutionHash(d Dispute) string {
	var buf [8 * 5]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(d.ID))
	binary.BigEndian.PutUint64(buf[8:], uint64(d.Round))
	binary.BigEndian.PutUint64(buf[16:], uint64(d.VotesFor))
	binary.BigEndian.PutUint64(buf[24:], uint64(d.VotesAgainst))
	binary.BigEndian.PutUint64(buf[32:], uint64(d.TotalVotes))

	h, _ := blake2b.New256(nil)
	h.Write(buf[:])
	if d.ChallengerPrevailed {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write([]byte(d.ResolutionReason))
	return hex.EncodeToString(h.Sum(nil))
}

func resolvedEvent(d Dispute, at time.Time) audit.Event {
	return audit.Event{
		Type:        audit.EventDisputeResolved,
		DisputeID:   d.ID,
		ContentHash: d.ResolutionHash,
		Payload: map[string]any{
			"round":                d.Round,
			"votes_for":            d.VotesFor,
			"votes_against":        d.VotesAgainst,
			"challenger_prevailed": d.ChallengerPrevailed,
			"reason":               d.ResolutionReason,
		},
		At: at,
	}
}
