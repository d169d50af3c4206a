package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"arbiterflow/arbitrator"
	"arbiterflow/audit"
	"arbiterflow/config"
	"arbiterflow/db"
	"arbiterflow/dispute"
	"arbiterflow/incentive"
	"arbiterflow/ledger"
	"arbiterflow/reputation"
)

type trustStore interface {
	dispute.Trust
	arbitrator.TrustScorer
}

// backend groups the persistence collaborators selected by store.driver.
type backend struct {
	disputes dispute.Store
	records  arbitrator.RecordStore
	ledger   dispute.Ledger
	trust    trustStore
	slasher  dispute.Slasher
	audit    audit.Sink
	ready    func(ctx context.Context) error
	close    func()
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, log)
	case config.DriverLevelDB:
		ldb, err := db.NewLevelDB(cfg.Store.LevelDBPath)
		if err != nil {
			return nil, err
		}
		b, err := inProcess(ctx, cfg, log)
		if err != nil {
			ldb.Close()
			return nil, err
		}
		b.disputes = dispute.NewLevelStore(ldb)
		b.records = arbitrator.NewLevelRecordStore(ldb)
		b.close = func() {
			if err := ldb.Close(); err != nil {
				log.Warn("close leveldb", zap.Error(err))
			}
		}
		return b, nil
	default:
		b, err := inProcess(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		b.disputes = dispute.NewMemoryStore()
		return b, nil
	}
}

func openPostgres(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		version, err := db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("database migrated", zap.Int("version", version))
	}
	return &backend{
		disputes: dispute.NewRepository(pool),
		records:  arbitrator.NewRepository(pool),
		ledger:   ledger.NewPGLedger(pool),
		trust:    reputation.NewPGStore(pool),
		slasher:  incentive.NewOutboxSlasher(pool),
		audit:    audit.Fanout{audit.NewLogger(log), audit.NewPGSink(pool)},
		ready:    pool.Ping,
		close:    pool.Close,
	}, nil
}

// inProcess builds memory-backed ledger and trust stores seeded from the
// bootstrap section.
func inProcess(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	funds := ledger.NewMemory()
	for acct, amount := range cfg.Bootstrap.Balances {
		if amount == 0 {
			continue
		}
		if err := funds.Credit(ctx, acct, amount, "bootstrap:"+acct); err != nil {
			return nil, fmt.Errorf("seed balance for %s: %w", acct, err)
		}
	}
	scores := reputation.NewMemory()
	for acct, score := range cfg.Bootstrap.Trust {
		scores.Set(acct, score)
	}
	return &backend{
		ledger:  funds,
		trust:   scores,
		slasher: &incentive.Recorder{},
		audit:   audit.NewLogger(log),
		close:   func() {},
	}, nil
}
