package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccountNotFound is returned by stores when no account exists for a user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable wraps any backing store failure (network, decode, timeout).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict indicates the balance moved between read and conditional write.
	ErrConflict = errors.New("balance changed concurrently")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InsufficientBalanceError reports a deduction larger than the available balance.
type InsufficientBalanceError struct {
	Current  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Current, e.Required)
}

const (
	// TypePurchase marks a deduction for an allocated number.
	TypePurchase = "purchase"
	// TypeRefund marks a credit returned after a cancellation or failure.
	TypeRefund = "refund"
)

// Account is the per-user prepaid wallet.
type Account struct {
	UserID      string
	Balance     int64
	TotalSpent  int64
	NumbersUsed int64
	CreatedAt   time.Time
	LastActive  time.Time
	LastUsed    time.Time
	LastRefund  time.Time
}

// Meta carries free-form context attached to a transaction record.
type Meta struct {
	NumberID string `json:"numberId,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Transaction is an immutable audit record of one balance mutation.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Reason        string    `json:"reason,omitempty"`
	Meta          Meta      `json:"meta"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store is the persistence contract behind the ledger. Implementations must make
// ConditionalUpdate and Credit atomic with respect to the balance and the
// appended transaction record.
type Store interface {
	// Get returns ErrAccountNotFound when the user has no account.
	Get(ctx context.Context, userID string) (Account, error)
	// PutIfAbsent stores acct unless an account already exists and returns the stored one.
	PutIfAbsent(ctx context.Context, acct Account) (Account, error)
	// ConditionalUpdate replaces the account only if its balance still equals
	// expectedBalance, appending entry in the same write. Returns ErrConflict otherwise.
	ConditionalUpdate(ctx context.Context, expectedBalance int64, next Account, entry Transaction) error
	// Credit adds entry.Amount to the balance, fills entry.BalanceBefore/After and
	// appends it, setting LastRefund to entry.Timestamp. Returns the updated account
	// and the stored entry.
	Credit(ctx context.Context, userID string, entry Transaction) (Account, Transaction, error)
	// Touch sets LastActive.
	Touch(ctx context.Context, userID string, at time.Time) error
	// Transactions returns the limit most recent records for the user. The order of
	// the returned slice is not part of the contract.
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	Ping(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
