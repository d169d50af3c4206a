// Package sweeper advances disputes whose deadlines have passed: it opens
// voting once review ends and, when enabled, executes resolved disputes whose
// execution window is open.
package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arbiterflow/dispute"
)

// SystemActor is the identity the sweeper acts under.
const SystemActor = "system:sweeper"

// Engine is the subset of dispute.Engine the sweeper drives.
type Engine interface {
	List(ctx context.Context, f dispute.Filter) ([]dispute.Dispute, error)
	OpenVoting(ctx context.Context, actor dispute.Actor, id int64) (dispute.Dispute, error)
	Execute(ctx context.Context, actor dispute.Actor, id int64) (dispute.Settlement, error)
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	AutoExecute bool
	// BatchSize caps due disputes handled per phase per pass; 0 means no cap.
	BatchSize int
}

// Result counts the outcome of one pass.
type Result struct {
	Opened   int
	Executed int
	Failed   int
}

type Sweeper struct {
	engine Engine
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

func New(engine Engine, opts Options, log *zap.Logger) *Sweeper {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{engine: engine, opts: opts, log: log, now: time.Now}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.log.Info("sweeper started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("concurrency", s.opts.Concurrency),
		zap.Bool("auto_execute", s.opts.AutoExecute),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("sweep failed", zap.Error(err))
				continue
			}
			if res.Opened+res.Executed+res.Failed > 0 {
				s.log.Info("sweep done", zap.Int("opened", res.Opened), zap.Int("executed", res.Executed), zap.Int("failed", res.Failed))
			}
		}
	}
}

// Sweep performs one pass. Per-dispute failures are logged and counted; only
// listing errors abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.now().UTC()
	actor := dispute.Actor{ID: SystemActor}

	// Deadlines are filtered by the store so a batch only holds due disputes.
	review, err := s.engine.List(ctx, dispute.Filter{
		Phases:      []dispute.Phase{dispute.PhaseUnderReview},
		ReviewDueBy: now,
		Limit:       s.opts.BatchSize,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sweeper: list under review: %w", err)
	}
	var resolved []dispute.Dispute
	if s.opts.AutoExecute {
		resolved, err = s.engine.List(ctx, dispute.Filter{
			Phases:       []dispute.Phase{dispute.PhaseResolved},
			ExecutableAt: now,
			Limit:        s.opts.BatchSize,
		})
		if err != nil {
			return Result{}, fmt.Errorf("sweeper: list resolved: %w", err)
		}
	}

	var opened, executed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, d := range review {
		id := d.ID
		g.Go(func() error {
			if _, err := s.engine.OpenVoting(gctx, actor, id); err != nil {
				failed.Add(1)
				s.log.Warn("open voting failed", zap.Int64("dispute_id", id), zap.Error(err))
				return nil
			}
			opened.Add(1)
			return nil
		})
	}
	for _, d := range resolved {
		id := d.ID
		g.Go(func() error {
			if _, err := s.engine.Execute(gctx, actor, id); err != nil {
				failed.Add(1)
				s.log.Warn("execute failed", zap.Int64("dispute_id", id), zap.Error(err))
				return nil
			}
			executed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Opened:   int(opened.Load()),
		Executed: int(executed.Load()),
		Failed:   int(failed.Load()),
	}, nil
}
