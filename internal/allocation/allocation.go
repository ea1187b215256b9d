package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	// ErrNotFound is returned for unknown number ids.
	ErrNotFound = errors.New("allocation not found")
	// ErrExists is returned when creating an allocation whose id is already stored.
	ErrExists = errors.New("allocation already exists")
	// ErrInvalidTransition is returned when the allocation already left the active state.
	ErrInvalidTransition = errors.New("allocation is not active")
	// ErrStoreUnavailable wraps backing store failures.
	ErrStoreUnavailable = errors.New("allocation store unavailable")
)

// Allocation records a vendor number bought by a user.
type Allocation struct {
	NumberID    string    `json:"numberId"`
	UserID      string    `json:"userId"`
	PhoneNumber string    `json:"phoneNumber"`
	Country     string    `json:"country"`
	Price       int64     `json:"price"`
	Status      string    `json:"status"`
	OTP         string    `json:"otp,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CanTransition reports whether from → to is allowed. Completed and cancelled are terminal.
func CanTransition(from, to string) bool {
	if from != StatusActive {
		return false
	}
	return to == StatusCompleted || to == StatusCancelled
}

// Repository persists allocation records.
type Repository interface {
	Create(ctx context.Context, a Allocation) error
	Get(ctx context.Context, numberID string) (Allocation, error)
	// Transition moves an active allocation to a terminal status. Only one caller
	// can win the transition; the others get ErrInvalidTransition.
	Transition(ctx context.Context, numberID, to, otp string, at time.Time) (Allocation, error)
	// ListActive returns the user's active allocations, oldest first.
	ListActive(ctx context.Context, userID string) ([]Allocation, error)
	// ListStale returns active allocations created before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Allocation, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
