// Package ledger holds the fungible balances that back dispute bonds. Every
// mutation carries a reference; replaying a reference is a successful no-op so
// callers can retry transfers without double-moving funds.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInsufficientFunds signals a debit larger than the account balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrMissingReference signals a mutation without an idempotency reference.
	ErrMissingReference = errors.New("ledger: missing reference")
)

// Memory is an in-process ledger used for development and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	refs     map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		refs:     make(map[string]struct{}),
	}
}

// Debit removes amount from account.
func (m *Memory) Debit(_ context.Context, account string, amount int64, reference string) error {
	if err := validate(amount, reference); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.refs[reference]; seen {
		return nil
	}
	if m.balances[account] < amount {
		return fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, account, m.balances[account], amount)
	}
	m.balances[account] -= amount
	m.refs[reference] = struct{}{}
	return nil
}

// Credit adds amount to account.
func (m *Memory) Credit(_ context.Context, account string, amount int64, reference string) error {
	if err := validate(amount, reference); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.refs[reference]; seen {
		return nil
	}
	m.balances[account] += amount
	m.refs[reference] = struct{}{}
	return nil
}

func (m *Memory) Balance(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

// Applied reports whether a mutation with reference has been booked.
func (m *Memory) Applied(_ context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[reference]
	return ok, nil
}

// Total returns the sum of every balance held by the ledger.
func (m *Memory) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, b := range m.balances {
		sum += b
	}
	return sum
}

func validate(amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if reference == "" {
		return ErrMissingReference
	}
	return nil
}
