package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"arbiterflow/audit"
	"arbiterflow/ledger"
	"arbiterflow/reputation"
)

// resolved runs a dispute through voting with the given ballots, in committee
// order, and moves the clock to the start of the execution window.
func (h *harness) resolved(t *testing.T, category Category, ballots ...bool) Dispute {
	t.Helper()
	d := h.toVoting(t, category)
	for i, supports := range ballots {
		d = h.vote(t, d.ID, d.Committee[i], supports)
	}
	if d.Phase != PhaseResolved {
		t.Fatalf("expected resolved after %d ballots, got %s", len(ballots), d.Phase)
	}
	h.clock.Set(d.VotingDeadline)
	return d
}

func TestExecute_ScenarioChallengerWins(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	before := h.ledger.Total()

	d := h.resolved(t, CategoryTechnicalIssue, true, true, true)
	if !d.ChallengerPrevailed {
		t.Fatal("expected challenger to prevail")
	}
	if got := h.ledger.Total(); got != before-100 {
		t.Fatalf("expected bond held in escrow, total %d", got)
	}

	s, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Winner != alice || s.Amount != 100 || s.Slashed {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if got := h.balance(t, alice); got != 1000 {
		t.Fatalf("expected challenger back at 1000, got %d", got)
	}
	if got := h.balance(t, bob); got != 1000 {
		t.Fatalf("expected respondent untouched, got %d", got)
	}
	if got := h.ledger.Total(); got != before {
		t.Fatalf("bond not conserved: before %d after %d", before, got)
	}

	if diff := cmp.Diff([]int64{-5, 15}, h.deltas(alice)); diff != "" {
		t.Fatalf("challenger deltas (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{-20}, h.deltas(bob)); diff != "" {
		t.Fatalf("respondent deltas (-want +got):\n%s", diff)
	}
	for _, member := range d.Committee {
		rec, _ := h.pool.Get(member)
		if rec.Reputation != 105 || rec.AlignedDecisions != 1 || rec.TotalCases != 1 {
			t.Fatalf("unexpected record for %s: %+v", member, rec)
		}
		if diff := cmp.Diff([]int64{2}, h.deltas(member)); diff != "" {
			t.Fatalf("trust deltas for %s (-want +got):\n%s", member, diff)
		}
	}

	stored, _ := h.engine.Get(ctx, d.ID)
	if stored.Phase != PhaseExecuted || stored.ExecutedAt == nil {
		t.Fatalf("expected executed dispute, got %s", stored.Phase)
	}
	if _, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("expected ErrBadPhase on second execute, got %v", err)
	}
	if got := h.balance(t, alice); got != 1000 {
		t.Fatalf("second execute moved funds: %d", got)
	}
}

func TestExecute_ScenarioRespondentWins(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.resolved(t, CategoryTechnicalIssue, true, false, false)
	if d.ChallengerPrevailed {
		t.Fatal("expected respondent to prevail")
	}

	s, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Winner != bob {
		t.Fatalf("expected bob to win, got %s", s.Winner)
	}
	if got := h.balance(t, bob); got != 1100 {
		t.Fatalf("expected respondent at 1100, got %d", got)
	}
	if got := h.balance(t, alice); got != 900 {
		t.Fatalf("expected challenger at 900, got %d", got)
	}
	if diff := cmp.Diff([]int64{-5, -10}, h.deltas(alice)); diff != "" {
		t.Fatalf("challenger deltas (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{10}, h.deltas(bob)); diff != "" {
		t.Fatalf("respondent deltas (-want +got):\n%s", diff)
	}

	want := []ArbitratorOutcome{
		{Account: "arb-0", Outcome: "dissented", ReputationDelta: -5, TrustDelta: -2},
		{Account: "arb-1", Outcome: "aligned", ReputationDelta: 5, TrustDelta: 2},
		{Account: "arb-2", Outcome: "aligned", ReputationDelta: 5, TrustDelta: 2},
	}
	if diff := cmp.Diff(want, s.Arbitrators); diff != "" {
		t.Fatalf("arbitrator outcomes (-want +got):\n%s", diff)
	}
	if rec, _ := h.pool.Get("arb-0"); rec.Reputation != 95 {
		t.Fatalf("expected dissenter at 95, got %d", rec.Reputation)
	}
	if rec, _ := h.pool.Get("arb-1"); rec.Reputation != 105 {
		t.Fatalf("expected majority at 105, got %d", rec.Reputation)
	}
}

func TestExecute_NonVotersPenalized(t *testing.T) {
	h := newHarness(t, 5)
	d := h.resolved(t, CategoryGovernanceDispute, true, true, true)

	s, err := h.engine.Execute(context.Background(), Actor{ID: alice}, d.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(s.Arbitrators) != 5 {
		t.Fatalf("expected 5 committee outcomes, got %d", len(s.Arbitrators))
	}
	for _, member := range d.Committee[3:] {
		rec, _ := h.pool.Get(member)
		if rec.Reputation != 90 || rec.MissedVotes != 1 {
			t.Fatalf("expected absent penalty for %s, got %+v", member, rec)
		}
		if diff := cmp.Diff([]int64{-5}, h.deltas(member)); diff != "" {
			t.Fatalf("trust deltas for %s (-want +got):\n%s", member, diff)
		}
	}
}

func TestExecute_SlashesOnlyPunitiveCategories(t *testing.T) {
	cases := []struct {
		category  Category
		ballots   []bool
		wantSlash bool
	}{
		{CategoryOrganizationMisbehavior, []bool{true, true, true}, true},
		{CategoryFalseIdentity, []bool{true, true, false}, true},
		{CategoryFalseIdentity, []bool{false, false, true}, false},
		{CategoryTechnicalIssue, []bool{true, true, true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.category.String(), func(t *testing.T) {
			h := newHarness(t, 3)
			d := h.resolved(t, tc.category, tc.ballots...)
			s, err := h.engine.Execute(context.Background(), Actor{ID: alice}, d.ID)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			reqs := h.slasher.Requests()
			if s.Slashed != tc.wantSlash || (len(reqs) == 1) != tc.wantSlash {
				t.Fatalf("expected slash=%v, got settlement %v with %d requests", tc.wantSlash, s.Slashed, len(reqs))
			}
			if tc.wantSlash && reqs[0].Account != bob {
				t.Fatalf("expected respondent slashed, got %s", reqs[0].Account)
			}
		})
	}
}

func TestExecute_Window(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.toVoting(t, CategoryOther)
	for _, member := range d.Committee {
		d = h.vote(t, d.ID, member, true)
	}

	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); !errors.Is(err, ErrWindowNotOpen) {
		t.Fatalf("expected ErrWindowNotOpen before voting deadline, got %v", err)
	}
	h.clock.Set(d.ExecutionDeadline.Add(time.Second))
	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
	h.clock.Set(d.ExecutionDeadline)
	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); err != nil {
		t.Fatalf("execute at deadline: %v", err)
	}
}

type flakyLedger struct {
	*ledger.Memory
	failCredits int
}

func (f *flakyLedger) Credit(ctx context.Context, account string, amount int64, reference string) error {
	if f.failCredits > 0 {
		f.failCredits--
		return errors.New("ledger unavailable")
	}
	return f.Memory.Credit(ctx, account, amount, reference)
}

func TestExecute_PayoutFailureLeavesResolved(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.resolved(t, CategoryTechnicalIssue, true, true, true)
	h.engine.ledger = &flakyLedger{Memory: h.ledger, failCredits: 1}

	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); err == nil {
		t.Fatal("expected payout failure")
	}
	stored, _ := h.engine.Get(ctx, d.ID)
	if stored.Phase != PhaseResolved {
		t.Fatalf("expected dispute to stay resolved, got %s", stored.Phase)
	}
	if len(h.deltas(bob)) != 0 {
		t.Fatal("expected no settlement effects after failed payout")
	}

	if _, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID); err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if got := h.balance(t, alice); got != 1000 {
		t.Fatalf("expected single payout, got %d", got)
	}
}

// flakyTrust fails the failOn-th adjustment and delegates every other call.
type flakyTrust struct {
	*reputation.Memory
	calls  int
	failOn int
}

func (f *flakyTrust) Adjust(ctx context.Context, account string, delta int64, reference string) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("reputation service down")
	}
	return f.Memory.Adjust(ctx, account, delta, reference)
}

func TestExecute_SettlementFailureLeavesResolvedAndRetries(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.resolved(t, CategoryFalseIdentity, true, true, true)
	// third settlement adjustment is arb-0's trust, after its outcome was booked
	h.engine.trust = &flakyTrust{Memory: h.trust, failOn: 3}
	h.events.Err = errors.New("audit store down")

	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); err == nil {
		t.Fatal("expected trust failure to fail execute")
	}
	stored, _ := h.engine.Get(ctx, d.ID)
	if stored.Phase != PhaseResolved || stored.ExecutedAt != nil {
		t.Fatalf("expected dispute to stay resolved, got %s", stored.Phase)
	}

	s, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if s.Winner != alice || !s.Slashed || len(s.Arbitrators) != 3 {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	stored, _ = h.engine.Get(ctx, d.ID)
	if stored.Phase != PhaseExecuted {
		t.Fatalf("expected executed after retry, got %s", stored.Phase)
	}

	if got := h.balance(t, alice); got != 1000 {
		t.Fatalf("expected a single payout, got balance %d", got)
	}
	if diff := cmp.Diff([]int64{-5, 15}, h.deltas(alice)); diff != "" {
		t.Fatalf("challenger deltas (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{-20}, h.deltas(bob)); diff != "" {
		t.Fatalf("respondent deltas (-want +got):\n%s", diff)
	}
	if got := len(h.slasher.Requests()); got != 1 {
		t.Fatalf("expected one slash request, got %d", got)
	}
	for _, member := range d.Committee {
		rec, _ := h.pool.Get(member)
		if rec.Reputation != 105 || rec.TotalCases != 1 {
			t.Fatalf("expected one booked case for %s, got %+v", member, rec)
		}
		if diff := cmp.Diff([]int64{2}, h.deltas(member)); diff != "" {
			t.Fatalf("trust deltas for %s (-want +got):\n%s", member, diff)
		}
	}
}

type failingSlasher struct{}

func (failingSlasher) Slash(context.Context, string, string, string) error {
	return errors.New("staking module unreachable")
}

func TestExecute_SlashFailureBlocksExecution(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.resolved(t, CategoryOrganizationMisbehavior, true, true, true)
	h.engine.slasher = failingSlasher{}

	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); err == nil {
		t.Fatal("expected slash failure to fail execute")
	}
	if stored, _ := h.engine.Get(ctx, d.ID); stored.Phase != PhaseResolved {
		t.Fatalf("expected resolved, got %s", stored.Phase)
	}
	for _, member := range d.Committee {
		if rec, _ := h.pool.Get(member); rec.TotalCases != 0 {
			t.Fatalf("expected no arbitrator bookkeeping before the slash, got %+v", rec)
		}
	}
}

// lossyCommitStore applies fn like MemoryStore but drops the result of the
// next update, as a database would on a failed commit.
type lossyCommitStore struct {
	*MemoryStore
	dropNext bool
}

func (s *lossyCommitStore) Update(ctx context.Context, id int64, fn func(*Dispute) error) (Dispute, error) {
	if !s.dropNext {
		return s.MemoryStore.Update(ctx, id, fn)
	}
	s.dropNext = false
	d, err := s.MemoryStore.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if err := fn(&d); err != nil {
		return Dispute{}, err
	}
	return Dispute{}, errors.New("commit lost")
}

func TestAppeal_RefusedOncePayoutBooked(t *testing.T) {
	store := &lossyCommitStore{MemoryStore: NewMemoryStore()}
	h := newHarness(t, 3, withStore(store))
	ctx := context.Background()
	d := h.resolved(t, CategoryTechnicalIssue, true, true, true)

	store.dropNext = true
	if _, err := h.engine.Execute(ctx, Actor{ID: alice}, d.ID); err == nil {
		t.Fatal("expected lost commit to fail execute")
	}
	if stored, _ := h.engine.Get(ctx, d.ID); stored.Phase != PhaseResolved {
		t.Fatalf("expected resolved after lost commit, got %s", stored.Phase)
	}
	if got := h.balance(t, alice); got != 1000 {
		t.Fatalf("expected payout booked before the lost commit, got %d", got)
	}

	_, err := h.engine.Appeal(ctx, Actor{ID: bob}, d.ID)
	if !errors.Is(err, ErrSettlementStarted) || !errors.Is(err, ErrBadPhase) {
		t.Fatalf("expected ErrSettlementStarted, got %v", err)
	}
	if stored, _ := h.engine.Get(ctx, d.ID); stored.Round != 0 || stored.Phase != PhaseResolved {
		t.Fatalf("refused appeal changed the dispute: round %d phase %s", stored.Round, stored.Phase)
	}

	if _, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID); err != nil {
		t.Fatalf("finish settlement: %v", err)
	}
	if got := h.balance(t, alice); got != 1000 {
		t.Fatalf("expected payout not repeated, got %d", got)
	}
	if got := h.balance(t, bob); got != 1000 {
		t.Fatalf("expected respondent untouched, got %d", got)
	}
	if diff := cmp.Diff([]int64{-5, 15}, h.deltas(alice)); diff != "" {
		t.Fatalf("challenger deltas (-want +got):\n%s", diff)
	}
}

func TestAppeal_ResetsRound(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	d := h.create(t, CategoryTechnicalIssue)
	if _, err := h.engine.SubmitEvidence(ctx, Actor{ID: bob}, d.ID, EvidenceParams{URI: "ipfs://answer"}); err != nil {
		t.Fatalf("evidence: %v", err)
	}
	h.clock.Set(d.ReviewDeadline)
	if _, err := h.engine.OpenVoting(ctx, Actor{ID: bob}, d.ID); err != nil {
		t.Fatalf("open voting: %v", err)
	}
	for _, member := range d.Committee {
		d = h.vote(t, d.ID, member, true)
	}

	if _, err := h.engine.Appeal(ctx, Actor{ID: bob}, d.ID); !errors.Is(err, ErrWindowNotOpen) {
		t.Fatalf("expected ErrWindowNotOpen before voting deadline, got %v", err)
	}
	h.clock.Set(d.VotingDeadline.Add(time.Hour))
	if _, err := h.engine.Appeal(ctx, Actor{ID: "arb-0"}, d.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-party, got %v", err)
	}

	appealed, err := h.engine.Appeal(ctx, Actor{ID: bob}, d.ID)
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if appealed.Phase != PhaseUnderReview || appealed.Round != 1 {
		t.Fatalf("expected round 1 under review, got %s round %d", appealed.Phase, appealed.Round)
	}
	if appealed.VotesFor != 0 || appealed.VotesAgainst != 0 || appealed.TotalVotes != 0 || len(appealed.Votes) != 0 {
		t.Fatalf("expected cleared tally, got %+v", appealed)
	}
	if appealed.ResolutionHash != "" || appealed.ResolvedAt != nil || appealed.ChallengerPrevailed {
		t.Fatalf("expected cleared resolution, got %+v", appealed)
	}
	if appealed.ID != d.ID || appealed.Bond != d.Bond || len(appealed.Evidence) != 1 || len(appealed.Committee) != 3 {
		t.Fatalf("appeal changed identity, bond, evidence or committee size: %+v", appealed)
	}
	now := h.clock.Now()
	if !appealed.ReviewDeadline.Equal(now.Add(3 * day)) {
		t.Fatalf("expected review deadline restarted from appeal, got %s", appealed.ReviewDeadline)
	}
	if got := h.balance(t, alice); got != 900 {
		t.Fatalf("expected bond to stay escrowed, got %d", got)
	}

	types := h.events.Types(d.ID)
	if diff := cmp.Diff([]string{audit.EventDisputeAppealed, audit.EventCommitteeAssigned}, types[len(types)-2:]); diff != "" {
		t.Fatalf("appeal audit mismatch (-want +got):\n%s", diff)
	}

	// the previous committee may vote again in the new round
	h.clock.Set(appealed.ReviewDeadline)
	if _, err := h.engine.OpenVoting(ctx, Actor{ID: alice}, d.ID); err != nil {
		t.Fatalf("open round 1 voting: %v", err)
	}
	h.vote(t, d.ID, appealed.Committee[0], false)
	h.vote(t, d.ID, appealed.Committee[1], false)
	final := h.vote(t, d.ID, appealed.Committee[2], true)
	if final.Phase != PhaseResolved || final.ChallengerPrevailed || final.Round != 1 {
		t.Fatalf("unexpected round 1 result: %s prevailed=%v round=%d", final.Phase, final.ChallengerPrevailed, final.Round)
	}
	h.clock.Set(final.VotingDeadline)
	if _, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID); err != nil {
		t.Fatalf("execute after appeal: %v", err)
	}
	if got := h.balance(t, bob); got != 1100 {
		t.Fatalf("expected respondent paid after appeal, got %d", got)
	}
}

func TestReopenExecution(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	root := Actor{ID: admin, Admin: true}
	d := h.resolved(t, CategoryOther, false, false, false)

	if _, err := h.engine.ReopenExecution(ctx, root, d.ID); !errors.Is(err, ErrWindowNotOpen) {
		t.Fatalf("expected ErrWindowNotOpen while execution is open, got %v", err)
	}

	h.clock.Set(d.ExecutionDeadline.Add(time.Hour))
	if _, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed, got %v", err)
	}
	if _, err := h.engine.ReopenExecution(ctx, Actor{ID: bob}, d.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	reopened, err := h.engine.ReopenExecution(ctx, root, d.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if want := h.clock.Now().Add(2 * day); !reopened.ExecutionDeadline.Equal(want) {
		t.Fatalf("expected deadline %s, got %s", want, reopened.ExecutionDeadline)
	}
	if _, err := h.engine.Execute(ctx, Actor{ID: bob}, d.ID); err != nil {
		t.Fatalf("execute after reopen: %v", err)
	}
	if got := h.balance(t, bob); got != 1100 {
		t.Fatalf("expected respondent paid, got %d", got)
	}
}

func TestAuditFailureDoesNotBlockTransitions(t *testing.T) {
	h := newHarness(t, 3)
	h.events.Err = errors.New("sink unavailable")
	d := h.toVoting(t, CategoryOther)
	if d.Phase != PhaseVoting {
		t.Fatalf("expected voting, got %s", d.Phase)
	}
	if got := len(h.events.Events(0)); got != 0 {
		t.Fatalf("expected failing sink to record nothing, got %d", got)
	}
}
