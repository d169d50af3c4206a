package arbitrator

import "time"

// InitialReputation is assigned to every newly admitted arbitrator.
const InitialReputation int64 = 100

// Record holds an arbitrator's standing. It outlives removal so disputes that
// already list the account keep a valid reference.
type Record struct {
	Account          string    `json:"account"`
	TotalCases       int       `json:"total_cases"`
	AlignedDecisions int       `json:"aligned_decisions"`
	MissedVotes      int       `json:"missed_votes"`
	Reputation       int64     `json:"reputation"`
	Active           bool      `json:"active"`
	JoinedAt         time.Time `json:"joined_at"`
}

// Outcome classifies a committee member's behaviour on a settled dispute.
type Outcome int

const (
	OutcomeAligned Outcome = iota
	OutcomeDissented
	OutcomeAbsent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAligned:
		return "aligned"
	case OutcomeDissented:
		return "dissented"
	case OutcomeAbsent:
		return "absent"
	default:
		return "unknown"
	}
}
