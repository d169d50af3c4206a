package dispute

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Bounds enforced by Params.Validate.
const (
	MinCommitteeBound = 3
	MaxCommitteeBound = 15

	MinReviewWindow    = day
	MaxReviewWindow    = 30 * day
	MinVotingWindow    = day
	MaxVotingWindow    = 14 * day
	MinExecutionWindow = day
	MaxExecutionWindow = 30 * day
)

// Params are the administrator-tunable engine settings.
type Params struct {
	Bond               int64
	ReviewWindow       time.Duration
	VotingWindow       time.Duration
	ExecutionWindow    time.Duration
	MinCommitteeSize   int
	MaxCommitteeSize   int
	MinArbitratorTrust int64
	Settlement         SettlementParams
}

// SettlementParams are signed deltas applied after execution. Positive values
// reward, negative values penalize.
type SettlementParams struct {
	ChallengerWin  int64
	RespondentLoss int64
	ChallengerLoss int64
	RespondentWin  int64
	Creation       int64

	AlignedReputation int64
	AlignedTrust      int64
	DissentReputation int64
	DissentTrust      int64
	AbsentReputation  int64
	AbsentTrust       int64
}

func DefaultParams() Params {
	return Params{
		Bond:               100,
		ReviewWindow:       3 * day,
		VotingWindow:       2 * day,
		ExecutionWindow:    2 * day,
		MinCommitteeSize:   3,
		MaxCommitteeSize:   7,
		MinArbitratorTrust: 50,
		Settlement:         DefaultSettlement(),
	}
}

func DefaultSettlement() SettlementParams {
	return SettlementParams{
		ChallengerWin:     15,
		RespondentLoss:    -20,
		ChallengerLoss:    -10,
		RespondentWin:     10,
		Creation:          -5,
		AlignedReputation: 5,
		AlignedTrust:      2,
		DissentReputation: -5,
		DissentTrust:      -2,
		AbsentReputation:  -10,
		AbsentTrust:       -5,
	}
}

// Validate rejects out-of-range settings with ErrInvalidParams.
func (p Params) Validate() error {
	switch {
	case p.Bond <= 0:
		return fmt.Errorf("%w: bond must be positive", ErrInvalidParams)
	case p.MinCommitteeSize < MinCommitteeBound || p.MinCommitteeSize > MaxCommitteeBound:
		return fmt.Errorf("%w: min committee size %d outside [%d, %d]", ErrInvalidParams, p.MinCommitteeSize, MinCommitteeBound, MaxCommitteeBound)
	case p.MaxCommitteeSize < MinCommitteeBound || p.MaxCommitteeSize > MaxCommitteeBound:
		return fmt.Errorf("%w: max committee size %d outside [%d, %d]", ErrInvalidParams, p.MaxCommitteeSize, MinCommitteeBound, MaxCommitteeBound)
	case p.MinCommitteeSize > p.MaxCommitteeSize:
		return fmt.Errorf("%w: min committee size exceeds max", ErrInvalidParams)
	case p.ReviewWindow < MinReviewWindow || p.ReviewWindow > MaxReviewWindow:
		return fmt.Errorf("%w: review window %s outside [%s, %s]", ErrInvalidParams, p.ReviewWindow, MinReviewWindow, MaxReviewWindow)
	case p.VotingWindow < MinVotingWindow || p.VotingWindow > MaxVotingWindow:
		return fmt.Errorf("%w: voting window %s outside [%s, %s]", ErrInvalidParams, p.VotingWindow, MinVotingWindow, MaxVotingWindow)
	case p.ExecutionWindow < MinExecutionWindow || p.ExecutionWindow > MaxExecutionWindow:
		return fmt.Errorf("%w: execution window %s outside [%s, %s]", ErrInvalidParams, p.ExecutionWindow, MinExecutionWindow, MaxExecutionWindow)
	case p.MinArbitratorTrust < 0:
		return fmt.Errorf("%w: min arbitrator trust must not be negative", ErrInvalidParams)
	}
	return nil
}

// CommitteeSize is the number of arbitrators drawn for category.
func (p Params) CommitteeSize(c Category) int {
	k := p.MinCommitteeSize
	if c.HighStakes() {
		k += 2
	}
	if k > p.MaxCommitteeSize {
		k = p.MaxCommitteeSize
	}
	return k
}

// schedule sets the three deadlines relative to start.
func (p Params) schedule(d *Dispute, start time.Time) {
	d.ReviewDeadline = start.Add(p.ReviewWindow)
	d.VotingDeadline = d.ReviewDeadline.Add(p.VotingWindow)
	d.ExecutionDeadline = d.VotingDeadline.Add(p.ExecutionWindow)
}
