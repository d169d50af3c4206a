package reputation

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"arbiterflow/db"
)

func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewPGStore(pool)
	acct := fmt.Sprintf("trust-%d", time.Now().UnixNano())

	if score, err := s.Score(ctx, acct); err != nil || score != 0 {
		t.Fatalf("expected zero score for unknown account, got %d err=%v", score, err)
	}
	if err := s.Set(ctx, acct, 60); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Adjust(ctx, acct, -5, acct+":filed"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := s.Adjust(ctx, acct, 15, acct+":settled"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	// a replayed settlement must not move the score again
	if err := s.Adjust(ctx, acct, 15, acct+":settled"); err != nil {
		t.Fatalf("replay adjust: %v", err)
	}

	score, err := s.Score(ctx, acct)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 70 {
		t.Fatalf("expected score 70, got %d", score)
	}
	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM trust_score_events WHERE account = $1`, acct).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected 2 history rows, got %d", events)
	}
}
