package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"arbiterflow/audit"
	"arbiterflow/db"
	"arbiterflow/reputation"
)

func newTestPool(t *testing.T, minTrust int64, accounts map[string]int64) (*Pool, *audit.Recorder) {
	t.Helper()
	scores := reputation.NewMemory()
	for acct, score := range accounts {
		scores.Set(acct, score)
	}
	rec := &audit.Recorder{}
	joined := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pool := NewPool(scores, nil, rec, nil, minTrust).WithClock(func() time.Time { return joined })
	return pool, rec
}

func TestAdmit_Gating(t *testing.T) {
	pool, events := newTestPool(t, 50, map[string]int64{"low": 49, "exact": 50, "high": 90})
	ctx := context.Background()

	if _, err := pool.Admit(ctx, "low"); !errors.Is(err, ErrIneligible) {
		t.Fatalf("expected ErrIneligible, got %v", err)
	}
	if _, ok := pool.Get("low"); ok {
		t.Fatal("expected no record for rejected candidate")
	}

	for _, acct := range []string{"exact", "high"} {
		rec, err := pool.Admit(ctx, acct)
		if err != nil {
			t.Fatalf("admit %s: %v", acct, err)
		}
		if rec.Reputation != InitialReputation || !rec.Active {
			t.Fatalf("unexpected record for %s: %+v", acct, rec)
		}
	}
	if pool.ActiveCount() != 2 {
		t.Fatalf("expected 2 active arbitrators, got %d", pool.ActiveCount())
	}
	if _, err := pool.Admit(ctx, "high"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if got := len(events.Events(0)); got != 2 {
		t.Fatalf("expected 2 admission audit events, got %d", got)
	}
}

func TestRemove_SwapAndPop(t *testing.T) {
	pool, _ := newTestPool(t, 0, nil)
	ctx := context.Background()
	for _, acct := range []string{"a", "b", "c", "d"} {
		if _, err := pool.Admit(ctx, acct); err != nil {
			t.Fatalf("admit %s: %v", acct, err)
		}
	}

	rec, err := pool.Remove(ctx, "b")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.Active {
		t.Fatal("expected removed record to be inactive")
	}

	if diff := cmp.Diff([]string{"a", "d", "c"}, pool.active); diff != "" {
		t.Fatalf("active index mismatch (-want +got):\n%s", diff)
	}
	if pool.index["d"] != 1 {
		t.Fatalf("expected moved account at position 1, got %d", pool.index["d"])
	}
	if _, ok := pool.Get("b"); !ok {
		t.Fatal("expected removed record to persist")
	}
	if _, err := pool.Remove(ctx, "b"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := pool.Remove(ctx, "zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	readmitted, err := pool.Admit(ctx, "b")
	if err != nil {
		t.Fatalf("readmit: %v", err)
	}
	if !readmitted.Active || pool.index["b"] != 3 {
		t.Fatalf("expected b reactivated at tail, got %+v idx=%d", readmitted, pool.index["b"])
	}
}

func TestSelect_ConsecutiveDistinct(t *testing.T) {
	pool, _ := newTestPool(t, 0, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := pool.Admit(ctx, fmt.Sprintf("arb-%d", i)); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	got, err := pool.Select(8, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if diff := cmp.Diff([]string{"arb-3", "arb-4", "arb-0"}, got); diff != "" {
		t.Fatalf("committee mismatch (-want +got):\n%s", diff)
	}

	for seed := uint64(0); seed < 50; seed++ {
		committee, err := pool.Select(seed*7919, 5)
		if err != nil {
			t.Fatalf("select seed %d: %v", seed, err)
		}
		seen := map[string]bool{}
		for _, acct := range committee {
			if seen[acct] {
				t.Fatalf("seed %d drew %s twice: %v", seed, acct, committee)
			}
			seen[acct] = true
		}
	}

	max := ^uint64(0)
	if _, err := pool.Select(max, 5); err != nil {
		t.Fatalf("select with max seed: %v", err)
	}
	if _, err := pool.Select(1, 6); !errors.Is(err, ErrPoolTooSmall) {
		t.Fatalf("expected ErrPoolTooSmall, got %v", err)
	}
	if _, err := pool.Select(1, 0); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}

func TestRecordOutcome_FloorsAtZero(t *testing.T) {
	pool, _ := newTestPool(t, 0, nil)
	ctx := context.Background()
	if _, err := pool.Admit(ctx, "arb"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	rec, err := pool.RecordOutcome(ctx, "arb", OutcomeAligned, 5, "dispute:1:arbitrator:arb")
	if err != nil {
		t.Fatalf("record aligned: %v", err)
	}
	if rec.Reputation != 105 || rec.AlignedDecisions != 1 || rec.TotalCases != 1 {
		t.Fatalf("unexpected record after aligned: %+v", rec)
	}

	rec, err = pool.RecordOutcome(ctx, "arb", OutcomeAbsent, -500, "dispute:2:arbitrator:arb")
	if err != nil {
		t.Fatalf("record absent: %v", err)
	}
	if rec.Reputation != 0 || rec.MissedVotes != 1 || rec.TotalCases != 2 {
		t.Fatalf("expected reputation floored at 0, got %+v", rec)
	}
}

func TestRecordOutcome_OncePerReference(t *testing.T) {
	pool, _ := newTestPool(t, 0, nil)
	ctx := context.Background()
	if _, err := pool.Admit(ctx, "arb"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := pool.RecordOutcome(ctx, "arb", OutcomeDissented, -5, "dispute:9:arbitrator:arb"); err != nil {
			t.Fatalf("record attempt %d: %v", i, err)
		}
	}
	rec, _ := pool.Get("arb")
	if rec.Reputation != 95 || rec.TotalCases != 1 {
		t.Fatalf("expected one booked case, got %+v", rec)
	}
	if _, err := pool.RecordOutcome(ctx, "arb", OutcomeAligned, 5, ""); !errors.Is(err, ErrMissingRef) {
		t.Fatalf("expected ErrMissingRef, got %v", err)
	}
}

func TestLevelRecordStore_OutcomeSurvivesRestart(t *testing.T) {
	ldb, err := db.NewLevelDB(filepath.Join(t.TempDir(), "outcomes"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer ldb.Close()

	scores := reputation.NewMemory()
	store := NewLevelRecordStore(ldb)
	ctx := context.Background()

	first := NewPool(scores, store, nil, nil, 0)
	if _, err := first.Admit(ctx, "arb"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := first.RecordOutcome(ctx, "arb", OutcomeAligned, 5, "dispute:3:arbitrator:arb"); err != nil {
		t.Fatalf("record: %v", err)
	}

	// a fresh process replays the same settlement after loading the registry
	second := NewPool(scores, store, nil, nil, 0)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, err := second.RecordOutcome(ctx, "arb", OutcomeAligned, 5, "dispute:3:arbitrator:arb")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rec.Reputation != 105 || rec.TotalCases != 1 {
		t.Fatalf("expected replay to be a no-op, got %+v", rec)
	}
	stored, err := store.Get("arb")
	if err != nil || stored.TotalCases != 1 {
		t.Fatalf("expected stored record with one case, got %+v err=%v", stored, err)
	}
}

func TestLevelRecordStore_RoundTripThroughLoad(t *testing.T) {
	ldb, err := db.NewLevelDB(filepath.Join(t.TempDir(), "arb"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer ldb.Close()

	scores := reputation.NewMemory()
	store := NewLevelRecordStore(ldb)
	ctx := context.Background()

	first := NewPool(scores, store, nil, nil, 0)
	for _, acct := range []string{"c", "a", "b"} {
		if _, err := first.Admit(ctx, acct); err != nil {
			t.Fatalf("admit %s: %v", acct, err)
		}
	}
	if _, err := first.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	second := NewPool(scores, store, nil, nil, 0)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if second.ActiveCount() != 2 || second.IsActive("b") {
		t.Fatalf("expected a and c active after reload, got %d active", second.ActiveCount())
	}
	if diff := cmp.Diff(first.List(), second.List()); diff != "" {
		t.Fatalf("records mismatch after reload (-want +got):\n%s", diff)
	}

	rec, err := store.Get("b")
	if err != nil || rec.Active {
		t.Fatalf("expected stored inactive b, got %+v err=%v", rec, err)
	}
}

func TestPool_ConcurrentAdmitRemoveSelect(t *testing.T) {
	pool, _ := newTestPool(t, 0, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := pool.Admit(ctx, fmt.Sprintf("base-%d", i)); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				acct := fmt.Sprintf("w%d-%d", w, i)
				if _, err := pool.Admit(ctx, acct); err != nil {
					t.Errorf("admit %s: %v", acct, err)
					return
				}
				if _, err := pool.Remove(ctx, acct); err != nil {
					t.Errorf("remove %s: %v", acct, err)
					return
				}
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				committee, err := pool.Select(uint64(w*1000+i), 5)
				if err != nil {
					t.Errorf("select: %v", err)
					return
				}
				seen := map[string]bool{}
				for _, acct := range committee {
					if seen[acct] {
						t.Errorf("duplicate %s in %v", acct, committee)
						return
					}
					seen[acct] = true
				}
			}
		}(w)
	}
	wg.Wait()

	if pool.ActiveCount() != 10 {
		t.Fatalf("expected 10 active after churn, got %d", pool.ActiveCount())
	}
}
