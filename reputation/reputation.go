// Package reputation tracks per-account trust scores produced by the identity
// pipeline and adjusted as a side effect of dispute outcomes.
package reputation

import (
	"context"
	"errors"
	"sync"
)

// ErrMissingReference signals an adjustment without an idempotency reference.
var ErrMissingReference = errors.New("reputation: missing reference")

// Adjustment is one applied delta. Reference is unique across all accounts;
// replaying it is a successful no-op.
type Adjustment struct {
	Account   string
	Delta     int64
	Reference string
}

// Memory is an in-process trust-score table.
type Memory struct {
	mu      sync.Mutex
	scores  map[string]int64
	applied map[string]struct{}
	history []Adjustment
}

func NewMemory() *Memory {
	return &Memory{
		scores:  make(map[string]int64),
		applied: make(map[string]struct{}),
	}
}

// Set overwrites the score of account; used to seed scores from verification.
func (m *Memory) Set(account string, score int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[account] = score
}

func (m *Memory) Score(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[account], nil
}

func (m *Memory) Adjust(_ context.Context, account string, delta int64, reference string) error {
	if reference == "" {
		return ErrMissingReference
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.applied[reference]; seen {
		return nil
	}
	m.applied[reference] = struct{}{}
	m.scores[account] += delta
	m.history = append(m.history, Adjustment{Account: account, Delta: delta, Reference: reference})
	return nil
}

// History returns the adjustments applied to account in order.
func (m *Memory) History(account string) []Adjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Adjustment, 0, 4)
	for _, a := range m.history {
		if a.Account == account {
			out = append(out, a)
		}
	}
	return out
}
