package allocation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Allocation
}

// NewMemoryRepository constructs an in-memory repository for demo mode and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Allocation)}
}

func (r *memoryRepository) Create(_ context.Context, a Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[a.NumberID]; exists {
		return ErrExists
	}
	r.storage[a.NumberID] = a
	return nil
}

func (r *memoryRepository) Get(_ context.Context, numberID string) (Allocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.storage[numberID]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	return a, nil
}

func (r *memoryRepository) Transition(_ context.Context, numberID, to, otp string, at time.Time) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.storage[numberID]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	if !CanTransition(a.Status, to) {
		return a, ErrInvalidTransition
	}
	a.Status = to
	if otp != "" {
		a.OTP = otp
	}
	a.UpdatedAt = at
	r.storage[numberID] = a
	return a, nil
}

func (r *memoryRepository) ListActive(_ context.Context, userID string) ([]Allocation, error) {
	return r.filter(func(a Allocation) bool {
		return a.UserID == userID && a.Status == StatusActive
	}, 0), nil
}

func (r *memoryRepository) ListStale(_ context.Context, cutoff time.Time, limit int) ([]Allocation, error) {
	return r.filter(func(a Allocation) bool {
		return a.Status == StatusActive && a.CreatedAt.Before(cutoff)
	}, limit), nil
}

func (r *memoryRepository) filter(keep func(Allocation) bool, limit int) []Allocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Allocation, 0)
	for _, a := range r.storage {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
