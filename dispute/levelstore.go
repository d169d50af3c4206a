package dispute

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"arbiterflow/db"
)

var (
	levelDisputePrefix = []byte("dispute:")
	levelNextIDKey     = []byte("dispute-meta:next-id")
)

// LevelStore keeps disputes in an embedded LevelDB. Keys are the big-endian id
// under a fixed prefix so iteration yields ascending ids.
type LevelStore struct {
	mu sync.Mutex
	db *db.LevelDB
}

func NewLevelStore(ldb *db.LevelDB) *LevelStore {
	return &LevelStore{db: ldb}
}

func levelKey(id int64) []byte {
	key := make([]byte, len(levelDisputePrefix)+8)
	copy(key, levelDisputePrefix)
	binary.BigEndian.PutUint64(key[len(levelDisputePrefix):], uint64(id))
	return key
}

// Create reserves the next id before running fn, so an id whose commit failed
// is never handed out again. Bond references are derived from the id and must
// not be replayed by a later dispute.
func (s *LevelStore) Create(_ context.Context, d Dispute, fn func(*Dispute) error) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastID()
	if err != nil {
		return Dispute{}, err
	}
	d = d.Clone()
	d.ID = last + 1
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], uint64(d.ID))
	if err := s.db.Put(levelNextIDKey, next[:]); err != nil {
		return Dispute{}, fmt.Errorf("dispute: reserve id %d: %w", d.ID, err)
	}

	if fn != nil {
		if err := fn(&d); err != nil {
			return Dispute{}, err
		}
	}
	body, err := json.Marshal(d)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: encode %d: %w", d.ID, err)
	}
	if err := s.db.Put(levelKey(d.ID), body); err != nil {
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}
	return d, nil
}

func (s *LevelStore) Update(_ context.Context, id int64, fn func(*Dispute) error) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load(id)
	if err != nil {
		return Dispute{}, err
	}
	if err := fn(&d); err != nil {
		return Dispute{}, err
	}
	body, err := json.Marshal(d)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: encode %d: %w", id, err)
	}
	if err := s.db.Put(levelKey(id), body); err != nil {
		return Dispute{}, fmt.Errorf("dispute: update %d: %w", id, err)
	}
	return d, nil
}

func (s *LevelStore) Get(_ context.Context, id int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *LevelStore) List(_ context.Context, f Filter) ([]Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewPrefixIterator(levelDisputePrefix)
	defer iter.Release()

	out := make([]Dispute, 0, 8)
	for iter.Next() {
		var d Dispute
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			return nil, fmt.Errorf("dispute: decode %x: %w", iter.Key(), err)
		}
		if !f.Match(d) {
			continue
		}
		out = append(out, d)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (s *LevelStore) load(id int64) (Dispute, error) {
	raw, err := s.db.Get(levelKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return Dispute{}, ErrNotFound
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: get %d: %w", id, err)
	}
	var d Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return Dispute{}, fmt.Errorf("dispute: decode %d: %w", id, err)
	}
	return d, nil
}

func (s *LevelStore) lastID() (int64, error) {
	raw, err := s.db.Get(levelNextIDKey)
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dispute: read id counter: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("dispute: corrupt id counter")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}
