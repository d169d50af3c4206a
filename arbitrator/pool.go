// Package arbitrator maintains the registry of qualified arbitrators and draws
// dispute committees from it.
package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbiterflow/audit"
)

var (
	ErrNotFound      = errors.New("arbitrator: not found")
	ErrIneligible    = errors.New("arbitrator: trust score below minimum")
	ErrAlreadyActive = errors.New("arbitrator: already active")
	ErrNotActive     = errors.New("arbitrator: not active")
	ErrPoolTooSmall  = errors.New("arbitrator: active pool smaller than committee")
	ErrInvalidSize   = errors.New("arbitrator: invalid committee size")
	ErrMissingRef    = errors.New("arbitrator: missing outcome reference")
)

// TrustScorer reads the externally maintained trust score of an account.
type TrustScorer interface {
	Score(ctx context.Context, account string) (int64, error)
}

// RecordStore persists arbitrator records. SaveOutcome writes rec together
// with the outcome reference and reports false without writing when the
// reference was already applied.
type RecordStore interface {
	Save(ctx context.Context, rec Record) error
	SaveOutcome(ctx context.Context, rec Record, outcome Outcome, delta int64, reference string) (bool, error)
	LoadAll(ctx context.Context) ([]Record, error)
}

// Pool is the authoritative arbitrator registry. All mutations go through the
// write lock; selection reads the active index under the read lock, so a draw
// never observes a half-applied admission or removal.
type Pool struct {
	mu       sync.RWMutex
	records  map[string]*Record
	outcomes map[string]struct{}
	active   []string
	index    map[string]int
	minTrust int64

	scorer TrustScorer
	store  RecordStore
	audit  audit.Sink
	log    *zap.Logger
	now    func() time.Time
}

// NewPool builds an empty pool. store and sink may be nil.
func NewPool(scorer TrustScorer, store RecordStore, sink audit.Sink, log *zap.Logger, minTrust int64) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		records:  make(map[string]*Record),
		outcomes: make(map[string]struct{}),
		index:    make(map[string]int),
		minTrust: minTrust,
		scorer:   scorer,
		store:    store,
		audit:    sink,
		log:      log,
		now:      time.Now,
	}
}

func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Load replaces the in-memory registry with the persisted records.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	recs, err := p.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("arbitrator: load: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]*Record, len(recs))
	p.index = make(map[string]int, len(recs))
	p.active = p.active[:0]
	// Stored order is not meaningful; sort so restarts rebuild the same index.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Account < recs[j].Account })
	for i := range recs {
		rec := recs[i]
		p.records[rec.Account] = &rec
		if rec.Active {
			p.index[rec.Account] = len(p.active)
			p.active = append(p.active, rec.Account)
		}
	}
	return nil
}

func (p *Pool) MinTrustScore() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minTrust
}

func (p *Pool) SetMinTrustScore(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minTrust = v
}

// Admit adds account to the active pool if its trust score meets the minimum.
// A previously removed account is reactivated with its history intact.
func (p *Pool) Admit(ctx context.Context, account string) (Record, error) {
	if account == "" {
		return Record{}, fmt.Errorf("arbitrator: missing account")
	}
	score, err := p.scorer.Score(ctx, account)
	if err != nil {
		return Record{}, fmt.Errorf("arbitrator: read trust score: %w", err)
	}

	p.mu.Lock()
	if score < p.minTrust {
		p.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s has %d, needs %d", ErrIneligible, account, score, p.minTrust)
	}

	rec := Record{
		Account:    account,
		Reputation: InitialReputation,
		Active:     true,
		JoinedAt:   p.now().UTC(),
	}
	if existing, ok := p.records[account]; ok {
		if existing.Active {
			p.mu.Unlock()
			return Record{}, ErrAlreadyActive
		}
		rec = *existing
		rec.Active = true
	}
	if err := p.persist(ctx, rec); err != nil {
		p.mu.Unlock()
		return Record{}, err
	}
	p.records[account] = &rec
	p.index[account] = len(p.active)
	p.active = append(p.active, account)
	p.mu.Unlock()

	p.emit(ctx, audit.EventArbitratorAdmit, rec)
	return rec, nil
}

// Remove deactivates account. Disputes that already list it are unaffected.
func (p *Pool) Remove(ctx context.Context, account string) (Record, error) {
	p.mu.Lock()
	existing, ok := p.records[account]
	if !ok {
		p.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if !existing.Active {
		p.mu.Unlock()
		return Record{}, ErrNotActive
	}

	rec := *existing
	rec.Active = false
	if err := p.persist(ctx, rec); err != nil {
		p.mu.Unlock()
		return Record{}, err
	}
	*existing = rec

	// swap with last and shrink
	pos := p.index[account]
	last := len(p.active) - 1
	moved := p.active[last]
	p.active[pos] = moved
	p.index[moved] = pos
	p.active = p.active[:last]
	delete(p.index, account)
	p.mu.Unlock()

	p.emit(ctx, audit.EventArbitratorRemove, rec)
	return rec, nil
}

// RecordOutcome books one settled case against account's statistics and
// applies the reputation delta, saturating at zero. Each reference is applied
// at most once, so a retried settlement does not count the case twice.
func (p *Pool) RecordOutcome(ctx context.Context, account string, outcome Outcome, delta int64, reference string) (Record, error) {
	if reference == "" {
		return Record{}, ErrMissingRef
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.records[account]
	if !ok {
		return Record{}, ErrNotFound
	}
	if _, seen := p.outcomes[reference]; seen {
		return *existing, nil
	}
	rec := *existing
	rec.TotalCases++
	switch outcome {
	case OutcomeAligned:
		rec.AlignedDecisions++
	case OutcomeAbsent:
		rec.MissedVotes++
	}
	rec.Reputation += delta
	if rec.Reputation < 0 {
		rec.Reputation = 0
	}
	if p.store != nil {
		applied, err := p.store.SaveOutcome(ctx, rec, outcome, delta, reference)
		if err != nil {
			return Record{}, fmt.Errorf("arbitrator: save outcome %s: %w", reference, err)
		}
		if !applied {
			// booked before a restart; the loaded record already counts it
			p.outcomes[reference] = struct{}{}
			return *existing, nil
		}
	}
	p.outcomes[reference] = struct{}{}
	*existing = rec
	return rec, nil
}

func (p *Pool) Get(account string) (Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[account]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (p *Pool) IsActive(account string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.index[account]
	return ok
}

func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// List returns every known record, active or not, ordered by account.
func (p *Pool) List() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Select draws k consecutive slots of the active index starting at seed mod n.
// Consecutive offsets never repeat an account while k <= n.
func (p *Pool) Select(seed uint64, k int) ([]string, error) {
	if k <= 0 {
		return nil, ErrInvalidSize
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.active)
	if n < k {
		return nil, fmt.Errorf("%w: %d active, %d required", ErrPoolTooSmall, n, k)
	}
	base := seed % uint64(n)
	committee := make([]string, k)
	for i := 0; i < k; i++ {
		committee[i] = p.active[(base+uint64(i))%uint64(n)]
	}
	return committee, nil
}

func (p *Pool) persist(ctx context.Context, rec Record) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("arbitrator: save %s: %w", rec.Account, err)
	}
	return nil
}

func (p *Pool) emit(ctx context.Context, eventType string, rec Record) {
	if p.audit == nil {
		return
	}
	ev := audit.Event{
		Type:    eventType,
		Account: rec.Account,
		Payload: map[string]any{"reputation": rec.Reputation, "active": rec.Active},
		At:      p.now().UTC(),
	}
	if err := p.audit.Record(ctx, ev); err != nil {
		p.log.Warn("audit sink failed", zap.String("event", eventType), zap.String("account", rec.Account), zap.Error(err))
	}
}
