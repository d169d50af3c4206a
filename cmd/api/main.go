package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"arbiterflow/arbitrator"
	"arbiterflow/auth"
	"arbiterflow/config"
	"arbiterflow/dispute"
	"arbiterflow/logger"
	"arbiterflow/sweeper"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARBITER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zlog, err := logger.New(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Store.Driver, err)
	}
	defer b.close()

	pool := arbitrator.NewPool(b.trust, b.records, b.audit, log, cfg.Dispute.MinArbitratorTrust)
	if err := pool.Load(ctx); err != nil {
		return err
	}
	engine, err := dispute.NewEngine(dispute.Deps{
		Store:   b.disputes,
		Pool:    pool,
		Ledger:  b.ledger,
		Trust:   b.trust,
		Slasher: b.slasher,
		Audit:   b.audit,
		Logger:  log,
	}, cfg.Dispute)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(engine, sweeper.Options{
			Interval:    cfg.Sweeper.Interval,
			Concurrency: cfg.Sweeper.Concurrency,
			AutoExecute: cfg.Sweeper.AutoExecute,
			BatchSize:   cfg.Sweeper.BatchSize,
		}, log)
		go sw.Run(ctx)
		log.Info("sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))
	}

	srv := NewServer(engine, pool, auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), log)
	srv.ready = b.ready
	r := chi.NewRouter()
	r.Mount("/", srv.Routes())
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	log.Info("listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("driver", cfg.Store.Driver),
		zap.Int("arbitrators", pool.ActiveCount()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	return httpServer.Shutdown(shutdownCtx)
}
