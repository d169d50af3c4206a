package dispute

import (
	"slices"
	"time"
)

// Dispute is the authoritative record of one case. The domain model carries no
// JSON annotations; transports define their own views.
type Dispute struct {
	ID           int64
	Challenger   string
	Respondent   string
	Category     Category
	Title        string
	Description  string
	EvidenceURI  string
	EvidenceHash string
	Bond         int64
	Phase        Phase

	// Round starts at 0 and increments on every appeal.
	Round     int
	Committee []string
	Quorum    int
	Votes     map[string]Vote
	Evidence  []Evidence

	VotesFor     int
	VotesAgainst int
	TotalVotes   int

	ChallengerPrevailed bool
	ResolutionHash      string
	ResolutionReason    string

	CreatedAt         time.Time
	ReviewDeadline    time.Time
	VotingDeadline    time.Time
	ExecutionDeadline time.Time
	ResolvedAt        *time.Time
	ExecutedAt        *time.Time
	UpdatedAt         time.Time
}

// Vote is one committee member's ballot for the current round.
type Vote struct {
	Arbitrator         string
	SupportsChallenger bool
	Rationale          string
	Confidence         int
	CastAt             time.Time
}

// Evidence is an append-only submission. Seq is 1-based per dispute.
type Evidence struct {
	Seq         int
	Submitter   string
	Category    string
	URI         string
	ContentHash string
	Description string
	SubmittedAt time.Time
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID    string
	Admin bool
}

type CreateParams struct {
	Respondent   string
	Category     Category
	Title        string
	Description  string
	EvidenceURI  string
	EvidenceHash string
}

type EvidenceParams struct {
	Category    string
	URI         string
	ContentHash string
	Description string
}

type VoteParams struct {
	SupportsChallenger bool
	Rationale          string
	Confidence         int
}

// Filter narrows List. Zero values match everything. Limit applies after
// every other condition.
type Filter struct {
	Account string
	Phases  []Phase
	// ReviewDueBy keeps disputes whose review deadline is at or before it.
	ReviewDueBy time.Time
	// ExecutableAt keeps disputes whose execution window contains it.
	ExecutableAt time.Time
	Limit        int
}

func (f Filter) Match(d Dispute) bool {
	if len(f.Phases) > 0 && !slices.Contains(f.Phases, d.Phase) {
		return false
	}
	if f.Account != "" && !d.Involves(f.Account) {
		return false
	}
	if !f.ReviewDueBy.IsZero() && d.ReviewDeadline.After(f.ReviewDueBy) {
		return false
	}
	if !f.ExecutableAt.IsZero() && (f.ExecutableAt.Before(d.VotingDeadline) || f.ExecutableAt.After(d.ExecutionDeadline)) {
		return false
	}
	return true
}

// Settlement describes the effects applied by Execute.
type Settlement struct {
	DisputeID           int64
	Winner              string
	Amount              int64
	ChallengerPrevailed bool
	Slashed             bool
	Arbitrators         []ArbitratorOutcome
}

type ArbitratorOutcome struct {
	Account         string
	Outcome         string
	ReputationDelta int64
	TrustDelta      int64
}

// InCommittee reports whether account sits on the current committee.
func (d Dispute) InCommittee(account string) bool {
	return slices.Contains(d.Committee, account)
}

// IsParty reports whether account is the challenger or the respondent.
func (d Dispute) IsParty(account string) bool {
	return account != "" && (account == d.Challenger || account == d.Respondent)
}

// Involves reports whether account is a party or a committee member.
func (d Dispute) Involves(account string) bool {
	return d.IsParty(account) || d.InCommittee(account)
}

// Clone returns a deep copy so stores never share maps or slices with callers.
func (d Dispute) Clone() Dispute {
	out := d
	out.Committee = slices.Clone(d.Committee)
	out.Evidence = slices.Clone(d.Evidence)
	if d.Votes != nil {
		out.Votes = make(map[string]Vote, len(d.Votes))
		for k, v := range d.Votes {
			out.Votes[k] = v
		}
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		out.ResolvedAt = &t
	}
	if d.ExecutedAt != nil {
		t := *d.ExecutedAt
		out.ExecutedAt = &t
	}
	return out
}
