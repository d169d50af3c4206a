// Package dispute runs the arbitration lifecycle: filing, evidence, committee
// voting, resolution, appeal and settlement of the challenger's bond.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbiterflow/arbitrator"
	"arbiterflow/audit"
)

var (
	ErrNotFound         = errors.New("dispute: not found")
	ErrForbidden        = errors.New("dispute: forbidden")
	ErrBadPhase         = errors.New("dispute: invalid phase transition")
	ErrWindowClosed     = errors.New("dispute: window closed")
	ErrWindowNotOpen    = errors.New("dispute: window not open")
	ErrDuplicateVote    = errors.New("dispute: already voted")
	ErrNotCommittee     = errors.New("dispute: not a committee member")
	ErrInvalidInput     = errors.New("dispute: invalid input")
	ErrPoolTooSmall     = errors.New("dispute: arbitrator pool too small")
	ErrInvalidParams    = errors.New("dispute: invalid params")
	ErrInsufficientBond = errors.New("dispute: balance below bond")

	// ErrSettlementStarted wraps ErrBadPhase so callers mapping phases keep working.
	ErrSettlementStarted = fmt.Errorf("%w: settlement started", ErrBadPhase)
)

// Ledger moves bond funds. Every mutation is keyed by reference and replaying
// a reference succeeds without moving funds again.
type Ledger interface {
	Debit(ctx context.Context, account string, amount int64, reference string) error
	Credit(ctx context.Context, account string, amount int64, reference string) error
	Balance(ctx context.Context, account string) (int64, error)
	Applied(ctx context.Context, reference string) (bool, error)
}

// Trust adjusts externally maintained trust scores, once per reference.
type Trust interface {
	Adjust(ctx context.Context, account string, delta int64, reference string) error
}

// Slasher forwards punitive stake reductions, once per reference.
type Slasher interface {
	Slash(ctx context.Context, account, reason, reference string) error
}

// Committees is the arbitrator registry as seen by the engine.
type Committees interface {
	Select(seed uint64, k int) ([]string, error)
	RecordOutcome(ctx context.Context, account string, outcome arbitrator.Outcome, delta int64, reference string) (arbitrator.Record, error)
	SetMinTrustScore(v int64)
}

// Deps bundles the collaborators of an Engine. Audit, Seeder and Logger are
// optional.
type Deps struct {
	Store   Store
	Pool    Committees
	Ledger  Ledger
	Trust   Trust
	Slasher Slasher
	Audit   audit.Sink
	Seeder  arbitrator.Seeder
	Logger  *zap.Logger
}

// Engine implements every dispute operation on top of a Store.
type Engine struct {
	store   Store
	pool    Committees
	ledger  Ledger
	trust   Trust
	slasher Slasher
	audit   audit.Sink
	seeder  arbitrator.Seeder
	log     *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	params Params
}

func NewEngine(deps Deps, params Params) (*Engine, error) {
	if deps.Store == nil || deps.Pool == nil || deps.Ledger == nil || deps.Trust == nil || deps.Slasher == nil {
		return nil, fmt.Errorf("dispute: missing engine dependency")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:   deps.Store,
		pool:    deps.Pool,
		ledger:  deps.Ledger,
		trust:   deps.Trust,
		slasher: deps.Slasher,
		audit:   deps.Audit,
		seeder:  deps.Seeder,
		log:     deps.Logger,
		now:     time.Now,
		params:  params,
	}
	if e.seeder == nil {
		e.seeder = arbitrator.HashSeeder{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	deps.Pool.SetMinTrustScore(params.MinArbitratorTrust)
	return e, nil
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetParams replaces the engine parameters. Only admins may call it. Disputes
// already filed keep their deadlines and committee.
func (e *Engine) SetParams(ctx context.Context, actor Actor, p Params) (Params, error) {
	if !actor.Admin {
		return Params{}, ErrForbidden
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	e.pool.SetMinTrustScore(p.MinArbitratorTrust)

	e.emit(ctx, audit.Event{
		Type:    audit.EventParamsUpdated,
		Account: actor.ID,
		Payload: map[string]any{
			"bond":                 p.Bond,
			"review_window":        p.ReviewWindow.String(),
			"voting_window":        p.VotingWindow.String(),
			"execution_window":     p.ExecutionWindow.String(),
			"min_committee_size":   p.MinCommitteeSize,
			"max_committee_size":   p.MaxCommitteeSize,
			"min_arbitrator_trust": p.MinArbitratorTrust,
		},
	})
	return p, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (Dispute, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Dispute, error) {
	return e.store.List(ctx, f)
}

// assignCommittee draws the committee for the dispute's current round and moves
// it into review.
func (e *Engine) assignCommittee(d *Dispute, params Params, at time.Time) error {
	k := params.CommitteeSize(d.Category)
	seed := e.seeder.Seed(d.ID, d.Challenger, d.Round, at)
	committee, err := e.pool.Select(seed, k)
	if err != nil {
		if errors.Is(err, arbitrator.ErrPoolTooSmall) {
			return fmt.Errorf("%w: %v", ErrPoolTooSmall, err)
		}
		return fmt.Errorf("dispute: select committee: %w", err)
	}
	d.Committee = committee
	d.Quorum = min(params.MinCommitteeSize, len(committee))
	d.Votes = make(map[string]Vote)
	d.VotesFor, d.VotesAgainst, d.TotalVotes = 0, 0, 0
	return d.transition(PhaseUnderReview)
}

func committeeEvent(d Dispute, at time.Time) audit.Event {
	return audit.Event{
		Type:      audit.EventCommitteeAssigned,
		DisputeID: d.ID,
		Payload:   map[string]any{"committee": d.Committee, "round": d.Round, "quorum": d.Quorum},
		At:        at,
	}
}

// emit delivers events after the state change has committed. Sink failures
// never undo a committed transition.
func (e *Engine) emit(ctx context.Context, events ...audit.Event) {
	if e.audit == nil {
		return
	}
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = e.now().UTC()
		}
		if err := e.audit.Record(ctx, ev); err != nil {
			e.log.Warn("audit sink failed",
				zap.String("event", ev.Type),
				zap.Int64("dispute_id", ev.DisputeID),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) adjustTrust(ctx context.Context, account string, delta int64, reference string) error {
	if delta == 0 {
		return nil
	}
	if err := e.trust.Adjust(ctx, account, delta, reference); err != nil {
		return fmt.Errorf("dispute: adjust trust of %s: %w", account, err)
	}
	return nil
}

func bondRef(id int64) string {
	return fmt.Sprintf("dispute:%d:bond", id)
}

func bondRefundRef(id int64) string {
	return fmt.Sprintf("dispute:%d:bond-refund", id)
}

func payoutRef(id int64) string {
	return fmt.Sprintf("dispute:%d:payout", id)
}

func filedRef(id int64) string {
	return fmt.Sprintf("dispute:%d:filed", id)
}

func partyRef(id int64, account string) string {
	return fmt.Sprintf("dispute:%d:party:%s", id, account)
}

func arbitratorRef(id int64, account string) string {
	return fmt.Sprintf("dispute:%d:arbitrator:%s", id, account)
}

func slashRef(id int64) string {
	return fmt.Sprintf("dispute:%d:slash", id)
}
