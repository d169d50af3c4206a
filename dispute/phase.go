package dispute

import "fmt"

// Phase is the lifecycle position of a dispute.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseUnderReview
	PhaseVoting
	PhaseResolved
	PhaseAppealed
	PhaseExecuted
	PhaseRejected
	PhaseExpired
)

var phaseNames = [...]string{
	PhasePending:     "pending",
	PhaseUnderReview: "under_review",
	PhaseVoting:      "voting",
	PhaseResolved:    "resolved",
	PhaseAppealed:    "appealed",
	PhaseExecuted:    "executed",
	PhaseRejected:    "rejected",
	PhaseExpired:     "expired",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, s)
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseExecuted, PhaseRejected, PhaseExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows p -> next. The switch is
// exhaustive over the declared phases; an unknown phase allows nothing.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhasePending:
		return next == PhaseUnderReview || next == PhaseRejected
	case PhaseUnderReview:
		return next == PhaseVoting || next == PhaseRejected
	case PhaseVoting:
		return next == PhaseResolved
	case PhaseResolved:
		return next == PhaseExecuted || next == PhaseAppealed
	case PhaseAppealed:
		return next == PhaseUnderReview
	case PhaseExecuted, PhaseRejected, PhaseExpired:
		return false
	default:
		return false
	}
}

// transition moves d to next or reports ErrBadPhase.
func (d *Dispute) transition(next Phase) error {
	if !d.Phase.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadPhase, d.Phase, next)
	}
	d.Phase = next
	return nil
}
