// Package config loads service settings from an optional YAML file and
// ARBITER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"arbiterflow/dispute"
)

const envPrefix = "ARBITER"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Log       LogConfig
	Auth      AuthConfig
	Sweeper   SweeperConfig
	Dispute   dispute.Params
	Bootstrap BootstrapConfig
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL     string
	Migrate bool
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverLevelDB  = "leveldb"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver      string
	LevelDBPath string
}

type LogConfig struct {
	Level string
	File  string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type SweeperConfig struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
	AutoExecute bool
	BatchSize   int
}

// BootstrapConfig seeds the in-process ledger and trust scores when no
// external services back them. Keys are lowercased by the loader.
type BootstrapConfig struct {
	Balances map[string]int64
	Trust    map[string]int64
}

func setDefaults(v *viper.Viper) {
	p := dispute.DefaultParams()
	s := p.Settlement

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.leveldb_path", "data/arbiter")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.concurrency", 4)
	v.SetDefault("sweeper.auto_execute", false)
	v.SetDefault("sweeper.batch_size", 200)

	v.SetDefault("dispute.bond", p.Bond)
	v.SetDefault("dispute.review_window", p.ReviewWindow)
	v.SetDefault("dispute.voting_window", p.VotingWindow)
	v.SetDefault("dispute.execution_window", p.ExecutionWindow)
	v.SetDefault("dispute.min_committee_size", p.MinCommitteeSize)
	v.SetDefault("dispute.max_committee_size", p.MaxCommitteeSize)
	v.SetDefault("dispute.min_arbitrator_trust", p.MinArbitratorTrust)
	v.SetDefault("dispute.settlement.challenger_win", s.ChallengerWin)
	v.SetDefault("dispute.settlement.respondent_loss", s.RespondentLoss)
	v.SetDefault("dispute.settlement.challenger_loss", s.ChallengerLoss)
	v.SetDefault("dispute.settlement.respondent_win", s.RespondentWin)
	v.SetDefault("dispute.settlement.creation", s.Creation)
	v.SetDefault("dispute.settlement.aligned_reputation", s.AlignedReputation)
	v.SetDefault("dispute.settlement.aligned_trust", s.AlignedTrust)
	v.SetDefault("dispute.settlement.dissent_reputation", s.DissentReputation)
	v.SetDefault("dispute.settlement.dissent_trust", s.DissentTrust)
	v.SetDefault("dispute.settlement.absent_reputation", s.AbsentReputation)
	v.SetDefault("dispute.settlement.absent_trust", s.AbsentTrust)
}

// Load reads path (if non-empty) and applies environment overrides such as
// ARBITER_DATABASE_URL or ARBITER_DISPUTE_VOTING_WINDOW.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			URL:     v.GetString("database.url"),
			Migrate: v.GetBool("database.migrate"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			LevelDBPath: v.GetString("store.leveldb_path"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetString("log.file"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Sweeper: SweeperConfig{
			Enabled:     v.GetBool("sweeper.enabled"),
			Interval:    v.GetDuration("sweeper.interval"),
			Concurrency: v.GetInt("sweeper.concurrency"),
			AutoExecute: v.GetBool("sweeper.auto_execute"),
			BatchSize:   v.GetInt("sweeper.batch_size"),
		},
		Dispute: dispute.Params{
			Bond:               v.GetInt64("dispute.bond"),
			ReviewWindow:       v.GetDuration("dispute.review_window"),
			VotingWindow:       v.GetDuration("dispute.voting_window"),
			ExecutionWindow:    v.GetDuration("dispute.execution_window"),
			MinCommitteeSize:   v.GetInt("dispute.min_committee_size"),
			MaxCommitteeSize:   v.GetInt("dispute.max_committee_size"),
			MinArbitratorTrust: v.GetInt64("dispute.min_arbitrator_trust"),
			Settlement: dispute.SettlementParams{
				ChallengerWin:     v.GetInt64("dispute.settlement.challenger_win"),
				RespondentLoss:    v.GetInt64("dispute.settlement.respondent_loss"),
				ChallengerLoss:    v.GetInt64("dispute.settlement.challenger_loss"),
				RespondentWin:     v.GetInt64("dispute.settlement.respondent_win"),
				Creation:          v.GetInt64("dispute.settlement.creation"),
				AlignedReputation: v.GetInt64("dispute.settlement.aligned_reputation"),
				AlignedTrust:      v.GetInt64("dispute.settlement.aligned_trust"),
				DissentReputation: v.GetInt64("dispute.settlement.dissent_reputation"),
				DissentTrust:      v.GetInt64("dispute.settlement.dissent_trust"),
				AbsentReputation:  v.GetInt64("dispute.settlement.absent_reputation"),
				AbsentTrust:       v.GetInt64("dispute.settlement.absent_trust"),
			},
		},
	}
	cfg.Bootstrap = BootstrapConfig{
		Balances: int64Map(v, "bootstrap.balances"),
		Trust:    int64Map(v, "bootstrap.trust"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func int64Map(v *viper.Viper, key string) map[string]int64 {
	raw := v.GetStringMap(key)
	out := make(map[string]int64, len(raw))
	for k, val := range raw {
		out[k] = cast.ToInt64(val)
	}
	return out
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverLevelDB:
		if c.Store.LevelDBPath == "" {
			return fmt.Errorf("%w: store.leveldb_path is required for the leveldb driver", ErrInvalid)
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for the postgres driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required", ErrInvalid)
	}
	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.Concurrency < 1) {
		return fmt.Errorf("%w: sweeper needs a positive interval and concurrency", ErrInvalid)
	}
	for acct, amount := range c.Bootstrap.Balances {
		if amount < 0 {
			return fmt.Errorf("%w: bootstrap balance for %s is negative", ErrInvalid, acct)
		}
	}
	if err := c.Dispute.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
