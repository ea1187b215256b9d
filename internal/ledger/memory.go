package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	transactions map[string][]Transaction
}

// NewMemoryStore creates a concurrency-safe, non-durable store for demo mode and tests.
func NewMemoryStore() Store {
	return &memoryStore{
		accounts:     make(map[string]Account),
		transactions: make(map[string][]Transaction),
	}
}

func (s *memoryStore) Get(_ context.Context, userID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (s *memoryStore) PutIfAbsent(_ context.Context, acct Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[acct.UserID]; ok {
		return existing, nil
	}
	s.accounts[acct.UserID] = acct
	return acct, nil
}

func (s *memoryStore) ConditionalUpdate(_ context.Context, expectedBalance int64, next Account, entry Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.accounts[next.UserID]
	if !ok {
		return ErrAccountNotFound
	}
	if current.Balance != expectedBalance {
		return ErrConflict
	}
	s.accounts[next.UserID] = next
	s.transactions[next.UserID] = append(s.transactions[next.UserID], entry)
	return nil
}

func (s *memoryStore) Credit(_ context.Context, userID string, entry Transaction) (Account, Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return Account{}, Transaction{}, ErrAccountNotFound
	}
	entry.BalanceBefore = acct.Balance
	acct.Balance += entry.Amount
	entry.BalanceAfter = acct.Balance
	acct.LastRefund = entry.Timestamp
	s.accounts[userID] = acct
	s.transactions[userID] = append(s.transactions[userID], entry)
	return acct, entry, nil
}

func (s *memoryStore) Touch(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.LastActive = at
	s.accounts[userID] = acct
	return nil
}

func (s *memoryStore) Transactions(_ context.Context, userID string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Transaction(nil), s.transactions[userID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

// SeedBalance is a test helper that sets the balance of an account held by the
// memory store, creating the account if needed.
func SeedBalance(s Store, userID string, amount int64) {
	if mem, ok := s.(*memoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		acct := mem.accounts[userID]
		acct.UserID = userID
		acct.Balance = amount
		mem.accounts[userID] = acct
	}
}
