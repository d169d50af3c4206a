package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arbiterflow/arbitrator"
	"arbiterflow/audit"
	"arbiterflow/db"
	"arbiterflow/dispute"
	"arbiterflow/incentive"
	"arbiterflow/ledger"
	"arbiterflow/reputation"
	"arbiterflow/sweeper"
	"arbiterflow/test/actors"
	"arbiterflow/test/chaos"
	"arbiterflow/test/infra"
	"arbiterflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of challengers and litigants")
	flArbitrators = flag.Int("arbitrators", 6, "size of the arbitrator pool")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends while running")
)

const seedBalance int64 = 1_000_000

func TestArbitrationConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	dsn := *flDSN
	if dsn == "" && os.Getenv("STRESS_TEST_PG_DSN") == "" && !dockerAvailable(ctx) {
		local, err := infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
		dsn = local
	}
	h, err := infra.NewHarness(ctx, dsn)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()

	clock := actors.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine, parties := mustWire(t, ctx, pool, clock)
	sw := sweeper.New(engine, sweeper.Options{Concurrency: 4, AutoExecute: true, BatchSize: 50}, zap.NewNop()).WithClock(clock.Now)

	tally := &actors.Tally{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		account := parties[i%len(parties)]
		s := seed + int64(i)
		g.Go(func() error { return actors.Challenger(ctx2, engine, account, parties, s, tally, stop) })
		g.Go(func() error { return actors.Litigant(ctx2, engine, account, s+1000, tally, stop) })
	}
	for i := 0; i < *flArbitrators; i++ {
		account := fmt.Sprintf("arb-%d", i)
		s := seed + int64(2000+i)
		g.Go(func() error { return actors.Arbitrator(ctx2, engine, account, s, tally, stop) })
	}
	g.Go(func() error { return actors.Admin(ctx2, engine, "root", seed+3000, tally, stop) })
	g.Go(func() error { return actors.Warp(ctx2, clock, sw, 2*time.Hour, tally, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, db.ApplicationName+"%", stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, ctx2, pool, seed) {
				failed = true
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	if failed {
		t.FailNow()
	}
	if checkOracles(t, ctx, pool, seed) {
		t.FailNow()
	}

	if *flChaos {
		t.Logf("unexpected errors under chaos: %d (first: %v)", tally.Count(), tally.First())
		return
	}
	if tally.Count() > 0 {
		t.Fatalf("expected no unexpected errors, got %d (first: %v, seed=%d)", tally.Count(), tally.First(), seed)
	}
	assertConservation(t, ctx, pool, int64(len(parties))*seedBalance)
}

// mustWire builds the engine over Postgres and seeds parties and arbitrators.
func mustWire(t *testing.T, ctx context.Context, pool *pgxpool.Pool, clock *actors.Clock) (*dispute.Engine, []string) {
	t.Helper()
	funds := ledger.NewPGLedger(pool)
	trust := reputation.NewPGStore(pool)
	sink := audit.NewPGSink(pool)

	parties := []string{"alice", "bob", "carol", "dave"}
	for _, acct := range parties {
		if err := funds.Credit(ctx, acct, seedBalance, "seed:"+acct); err != nil {
			t.Fatalf("seed balance %s: %v", acct, err)
		}
	}

	arbs := arbitrator.NewPool(trust, arbitrator.NewRepository(pool), sink, nil, 0).WithClock(clock.Now)
	for i := 0; i < *flArbitrators; i++ {
		acct := fmt.Sprintf("arb-%d", i)
		if err := trust.Set(ctx, acct, 90); err != nil {
			t.Fatalf("seed trust %s: %v", acct, err)
		}
		if _, err := arbs.Admit(ctx, acct); err != nil {
			t.Fatalf("admit %s: %v", acct, err)
		}
	}

	engine, err := dispute.NewEngine(dispute.Deps{
		Store:   dispute.NewRepository(pool),
		Pool:    arbs,
		Ledger:  funds,
		Trust:   trust,
		Slasher: incentive.NewOutboxSlasher(pool),
		Audit:   sink,
	}, dispute.DefaultParams())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	engine.WithClock(clock.Now)
	return engine, parties
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		if *flChaos {
			t.Logf("oracle error under chaos: %v", err)
			return false
		}
		t.Errorf("oracle error: %v", err)
		return true
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
		return true
	}
	return false
}

// assertConservation checks that balances plus escrowed bonds equal what was
// seeded: bonds leave accounts on creation and return exactly once.
func assertConservation(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seeded int64) {
	t.Helper()
	var balances, escrow int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM ledger_accounts`).Scan(&balances); err != nil {
		t.Fatalf("sum balances: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(bond), 0) FROM disputes WHERE phase NOT IN ('executed','rejected')`).Scan(&escrow); err != nil {
		t.Fatalf("sum escrow: %v", err)
	}
	if balances+escrow != seeded {
		t.Fatalf("expected balances+escrow=%d, got %d+%d", seeded, balances, escrow)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, phase, round, committee, votes_for, votes_against, total_votes FROM disputes ORDER BY updated_at DESC LIMIT 30`},
		{"ledger_entries", `SELECT reference, account, amount FROM ledger_entries ORDER BY id DESC LIMIT 50`},
		{"audit_events", `SELECT event_type, account, dispute_id, created_at FROM audit_events ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
