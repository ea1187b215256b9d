package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLedger(t *testing.T) (*Ledger, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	store := NewRedisStore(client)
	return New(store).WithClock(steppingClock()), store
}

func TestRedisStoreDeductRefund(t *testing.T) {
	l, store := newRedisLedger(t)
	ctx := context.Background()

	if _, err := l.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, _, err := l.Refund(ctx, "u1", 200, "top-up", ""); err != nil {
		t.Fatalf("seed via refund: %v", err)
	}

	acct, entry, err := l.Deduct(ctx, "u1", 52, DeductContext{NumberID: "12345", Country: "philippines_51"})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if acct.Balance != 148 || entry.BalanceBefore != 200 || entry.BalanceAfter != 148 {
		t.Fatalf("unexpected result: %+v %+v", acct, entry)
	}

	stored, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Balance != 148 || stored.NumbersUsed != 1 || stored.TotalSpent != 52 {
		t.Fatalf("stored account mismatch: %+v", stored)
	}

	txs, err := l.ListTransactions(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 || txs[0].Type != TypePurchase || txs[1].Type != TypeRefund {
		t.Fatalf("unexpected order: %+v", txs)
	}
}

func TestRedisStoreInsufficientBalance(t *testing.T) {
	l, _ := newRedisLedger(t)
	ctx := context.Background()

	_, _, err := l.Deduct(ctx, "u1", 52, DeductContext{})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if insufficient.Current != 0 {
		t.Fatalf("expected current 0, got %d", insufficient.Current)
	}
}

func TestRedisStoreConditionalUpdateConflict(t *testing.T) {
	_, store := newRedisLedger(t)
	ctx := context.Background()

	if _, err := store.PutIfAbsent(ctx, Account{UserID: "u1", Balance: 100}); err != nil {
		t.Fatalf("put: %v", err)
	}
	next := Account{UserID: "u1", Balance: 40}
	err := store.ConditionalUpdate(ctx, 90, next, Transaction{ID: "x", UserID: "u1", Type: TypePurchase, Amount: 50})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	acct, _ := store.Get(ctx, "u1")
	if acct.Balance != 100 {
		t.Fatalf("balance changed on conflict: %d", acct.Balance)
	}
}

func TestRedisStorePutIfAbsentKeepsExisting(t *testing.T) {
	_, store := newRedisLedger(t)
	ctx := context.Background()

	if _, err := store.PutIfAbsent(ctx, Account{UserID: "u1", Balance: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	acct, err := store.PutIfAbsent(ctx, Account{UserID: "u1"})
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if acct.Balance != 7 {
		t.Fatalf("expected existing balance 7, got %d", acct.Balance)
	}
}

func TestRedisStoreCreditContentionReportsUnavailable(t *testing.T) {
	l, store := newRedisLedger(t)
	ctx := context.Background()
	if _, err := l.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	const workers = 32
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Refund(ctx, "u1", 5, "user cancelled", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if !errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict) {
				t.Errorf("expected store unavailable, got %v", err)
			}
		}()
	}
	wg.Wait()

	acct, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acct.Balance != ok*5 {
		t.Fatalf("balance %d does not match %d successful refunds", acct.Balance, ok)
	}
}

func TestRedisStoreCreditCancelledContext(t *testing.T) {
	l, store := newRedisLedger(t)
	if _, err := l.EnsureAccount(context.Background(), "u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := store.Credit(ctx, "u1", Transaction{ID: "t1", UserID: "u1", Type: TypeRefund, Amount: 5})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
