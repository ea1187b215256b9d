package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxCASAttempts = 5

// DeductContext describes what a purchase paid for.
type DeductContext struct {
	NumberID string
	Country  string
	Reason   string
}

// Ledger applies balance mutations and records their audit trail.
type Ledger struct {
	store Store
	now   func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New builds a ledger on top of the provided store.
func New(store Store) *Ledger {
	return &Ledger{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// WithClock overrides the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Ping checks the backing store.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// EnsureAccount returns the user's account, creating it with a zero balance on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) (Account, error) {
	acct, err := l.store.Get(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	now := l.now()
	return l.store.PutIfAbsent(ctx, Account{UserID: userID, CreatedAt: now, LastActive: now})
}

// GetBalance returns the account (ensuring it exists) and marks the user active.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (Account, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	now := l.now()
	if err := l.store.Touch(ctx, userID, now); err != nil {
		return Account{}, err
	}
	acct.LastActive = now
	return acct, nil
}

// Deduct charges amount against the user's balance. The write is conditional on
// the balance read, so two concurrent deductions cannot spend the same snapshot.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64, dc DeductContext) (Account, Transaction, error) {
	if amount <= 0 {
		return Account{}, Transaction{}, ErrInvalidAmount
	}
	reason := dc.Reason
	if reason == "" {
		reason = "number purchase"
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		acct, err := l.EnsureAccount(ctx, userID)
		if err != nil {
			return Account{}, Transaction{}, err
		}
		if acct.Balance < amount {
			return acct, Transaction{}, &InsufficientBalanceError{Current: acct.Balance, Required: amount}
		}

		now := l.now()
		next := acct
		next.Balance = acct.Balance - amount
		next.TotalSpent += amount
		next.NumbersUsed++
		next.LastUsed = now
		next.LastActive = now

		entry := Transaction{
			ID:            l.newID(now),
			UserID:        userID,
			Type:          TypePurchase,
			Amount:        amount,
			BalanceBefore: acct.Balance,
			BalanceAfter:  next.Balance,
			Reason:        reason,
			Meta:          Meta{NumberID: dc.NumberID, Country: dc.Country},
			Timestamp:     now,
		}

		err = l.store.ConditionalUpdate(ctx, acct.Balance, next, entry)
		switch {
		case err == nil:
			return next, entry, nil
		case errors.Is(err, ErrConflict):
			continue
		default:
			return Account{}, Transaction{}, err
		}
	}
	return Account{}, Transaction{}, fmt.Errorf("deduct %s: %w", userID, ErrConflict)
}

// Refund credits amount back to the user. No matching purchase is required.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, reason, numberID string) (Account, Transaction, error) {
	if amount <= 0 {
		return Account{}, Transaction{}, ErrInvalidAmount
	}
	if _, err := l.EnsureAccount(ctx, userID); err != nil {
		return Account{}, Transaction{}, err
	}
	now := l.now()
	entry := Transaction{
		ID:        l.newID(now),
		UserID:    userID,
		Type:      TypeRefund,
		Amount:    amount,
		Reason:    reason,
		Meta:      Meta{NumberID: numberID},
		Timestamp: now,
	}
	return l.store.Credit(ctx, userID, entry)
}

// ListTransactions returns the most recent limit records, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		return []Transaction{}, nil
	}
	txs, err := l.store.Transactions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].ID > txs[j].ID
		}
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (l *Ledger) newID(at time.Time) string {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), l.entropy).String()
}
