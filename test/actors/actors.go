package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"arbiterflow/dispute"
	"arbiterflow/sweeper"
)

// Engine is the dispute surface the actors drive.
type Engine interface {
	Create(ctx context.Context, actor dispute.Actor, p dispute.CreateParams) (dispute.Dispute, error)
	List(ctx context.Context, f dispute.Filter) ([]dispute.Dispute, error)
	SubmitEvidence(ctx context.Context, actor dispute.Actor, id int64, p dispute.EvidenceParams) (dispute.Evidence, error)
	OpenVoting(ctx context.Context, actor dispute.Actor, id int64) (dispute.Dispute, error)
	CastVote(ctx context.Context, actor dispute.Actor, id int64, p dispute.VoteParams) (dispute.Dispute, error)
	ForceResolve(ctx context.Context, actor dispute.Actor, id int64, reason string) (dispute.Dispute, error)
	Execute(ctx context.Context, actor dispute.Actor, id int64) (dispute.Settlement, error)
	Appeal(ctx context.Context, actor dispute.Actor, id int64) (dispute.Dispute, error)
	Reject(ctx context.Context, actor dispute.Actor, id int64, reason string) (dispute.Dispute, error)
}

// expected are the rejections concurrent actors provoke on purpose.
var expected = []error{
	dispute.ErrBadPhase,
	dispute.ErrWindowClosed,
	dispute.ErrWindowNotOpen,
	dispute.ErrDuplicateVote,
	dispute.ErrNotCommittee,
	dispute.ErrForbidden,
	dispute.ErrInsufficientBond,
	dispute.ErrPoolTooSmall,
}

// Tally counts unexpected errors. Under chaos those are connection failures;
// without chaos any entry is a bug.
type Tally struct {
	count atomic.Int64
	mu    sync.Mutex
	first error
}

func (t *Tally) observe(op string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return
		}
	}
	t.count.Add(1)
	t.mu.Lock()
	if t.first == nil {
		t.first = fmt.Errorf("%s: %w", op, err)
	}
	t.mu.Unlock()
}

func (t *Tally) Count() int64 { return t.count.Load() }

func (t *Tally) First() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

// Clock is a shared test clock that Warp pushes forward so deadlines elapse.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

var categories = []dispute.Category{
	dispute.CategoryCertificateValidity,
	dispute.CategoryOrganizationMisbehavior,
	dispute.CategoryTechnicalIssue,
	dispute.CategoryOther,
}

// Challenger files disputes against rotating respondents.
func Challenger(ctx context.Context, engine Engine, account string, respondents []string, seed int64, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for n := 0; !stopped(ctx, stop); n++ {
		respondent := respondents[rng.Intn(len(respondents))]
		if respondent == account {
			continue
		}
		_, err := engine.Create(ctx, dispute.Actor{ID: account}, dispute.CreateParams{
			Respondent:  respondent,
			Category:    categories[rng.Intn(len(categories))],
			Title:       fmt.Sprintf("%s vs %s #%d", account, respondent, n),
			Description: "stress",
		})
		tally.observe("create", err)
		pause(rng, 40, 60)
	}
	return nil
}

// Litigant submits evidence and appeals on disputes it is party to.
func Litigant(ctx context.Context, engine Engine, account string, seed int64, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	actor := dispute.Actor{ID: account}
	for !stopped(ctx, stop) {
		open, err := engine.List(ctx, dispute.Filter{
			Account: account,
			Phases:  []dispute.Phase{dispute.PhaseUnderReview, dispute.PhaseResolved},
			Limit:   20,
		})
		tally.observe("list", err)
		for _, d := range open {
			switch {
			case d.Phase == dispute.PhaseUnderReview:
				_, err = engine.SubmitEvidence(ctx, actor, d.ID, dispute.EvidenceParams{
					Category: "statement",
					URI:      fmt.Sprintf("ipfs://%s/%d", account, rng.Int63()),
				})
				tally.observe("evidence", err)
			case rng.Intn(4) == 0:
				_, err = engine.Appeal(ctx, actor, d.ID)
				tally.observe("appeal", err)
			}
		}
		pause(rng, 60, 80)
	}
	return nil
}

// Arbitrator votes on every open ballot it sits on.
func Arbitrator(ctx context.Context, engine Engine, account string, seed int64, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	actor := dispute.Actor{ID: account}
	for !stopped(ctx, stop) {
		ballots, err := engine.List(ctx, dispute.Filter{Account: account, Phases: []dispute.Phase{dispute.PhaseVoting}})
		tally.observe("list", err)
		for _, d := range ballots {
			if !d.InCommittee(account) {
				continue
			}
			if _, voted := d.Votes[account]; voted {
				continue
			}
			_, err = engine.CastVote(ctx, actor, d.ID, dispute.VoteParams{
				SupportsChallenger: rng.Intn(2) == 0,
				Rationale:          "stress",
				Confidence:         1 + rng.Intn(100),
			})
			tally.observe("vote", err)
		}
		pause(rng, 30, 50)
	}
	return nil
}

// Admin opens review early, forces stale ballots closed and rejects the odd
// dispute outright.
func Admin(ctx context.Context, engine Engine, account string, seed int64, tally *Tally, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	actor := dispute.Actor{ID: account, Admin: true}
	for !stopped(ctx, stop) {
		review, err := engine.List(ctx, dispute.Filter{Phases: []dispute.Phase{dispute.PhaseUnderReview}, Limit: 20})
		tally.observe("list", err)
		for _, d := range review {
			if rng.Intn(8) == 0 {
				_, err = engine.Reject(ctx, actor, d.ID, "stress rejection")
				tally.observe("reject", err)
				continue
			}
			_, err = engine.OpenVoting(ctx, actor, d.ID)
			tally.observe("open", err)
		}

		voting, err := engine.List(ctx, dispute.Filter{Phases: []dispute.Phase{dispute.PhaseVoting}, Limit: 20})
		tally.observe("list", err)
		for _, d := range voting {
			_, err = engine.ForceResolve(ctx, actor, d.ID, "")
			tally.observe("force", err)
		}
		pause(rng, 100, 100)
	}
	return nil
}

// Warp advances the shared clock and runs a sweep after each step so windows
// open and close while the other actors race.
func Warp(ctx context.Context, clock *Clock, sw *sweeper.Sweeper, step time.Duration, tally *Tally, stop <-chan struct{}) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			clock.advance(step)
			_, err := sw.Sweep(ctx)
			tally.observe("sweep", err)
		}
	}
}
