package dispute

import (
	"context"
	"sort"
	"sync"
)

// Store persists disputes. Create and Update run fn against a private copy and
// commit its result only when fn returns nil, so a failed operation leaves no
// trace. Updates to the same dispute are serialized.
type Store interface {
	Create(ctx context.Context, d Dispute, fn func(*Dispute) error) (Dispute, error)
	Update(ctx context.Context, id int64, fn func(*Dispute) error) (Dispute, error)
	Get(ctx context.Context, id int64) (Dispute, error)
	List(ctx context.Context, f Filter) ([]Dispute, error)
}

// MemoryStore keeps disputes in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	next     int64
	disputes map[int64]Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[int64]Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d Dispute, fn func(*Dispute) error) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d = d.Clone()
	d.ID = m.next + 1
	if fn != nil {
		if err := fn(&d); err != nil {
			return Dispute{}, err
		}
	}
	m.next = d.ID
	m.disputes[d.ID] = d.Clone()
	return d, nil
}

func (m *MemoryStore) Update(_ context.Context, id int64, fn func(*Dispute) error) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	d := cur.Clone()
	if err := fn(&d); err != nil {
		return Dispute{}, err
	}
	m.disputes[id] = d.Clone()
	return d, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.disputes))
	for id := range m.disputes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Dispute, 0, 8)
	for _, id := range ids {
		d := m.disputes[id]
		if !f.Match(d) {
			continue
		}
		out = append(out, d.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
