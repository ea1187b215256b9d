package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func repositories(t *testing.T) map[string]Repository {
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
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"redis":  NewRedisRepository(client),
	}
}

func sample(id, user string, created time.Time) Allocation {
	return Allocation{
		NumberID:    id,
		UserID:      user,
		PhoneNumber: "+639171234567",
		Country:     "philippines_51",
		Price:       52,
		Status:      StatusActive,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestRepositoryLifecycle(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.Create(ctx, sample("100", "u1", base)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := repo.Create(ctx, sample("100", "u1", base)); !errors.Is(err, ErrExists) {
				t.Fatalf("expected exists, got %v", err)
			}

			active, err := repo.ListActive(ctx, "u1")
			if err != nil {
				t.Fatalf("list active: %v", err)
			}
			if len(active) != 1 || active[0].NumberID != "100" {
				t.Fatalf("unexpected active list: %+v", active)
			}

			done, err := repo.Transition(ctx, "100", StatusCompleted, "123456", base.Add(time.Minute))
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if done.Status != StatusCompleted || done.OTP != "123456" {
				t.Fatalf("unexpected record: %+v", done)
			}

			if _, err := repo.Transition(ctx, "100", StatusCancelled, "", base.Add(2*time.Minute)); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected terminal state, got %v", err)
			}

			active, _ = repo.ListActive(ctx, "u1")
			if len(active) != 0 {
				t.Fatalf("completed allocation still active: %+v", active)
			}

			if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if _, err := repo.Transition(ctx, "missing", StatusCancelled, "", base); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found on transition, got %v", err)
			}
		})
	}
}

func TestRepositoryListStale(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = repo.Create(ctx, sample("old", "u1", base))
			_ = repo.Create(ctx, sample("new", "u2", base.Add(30*time.Minute)))

			stale, err := repo.ListStale(ctx, base.Add(10*time.Minute), 10)
			if err != nil {
				t.Fatalf("list stale: %v", err)
			}
			if len(stale) != 1 || stale[0].NumberID != "old" {
				t.Fatalf("unexpected stale list: %+v", stale)
			}
		})
	}
}

func TestConcurrentCancelHasOneWinner(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := repo.Create(ctx, sample("200", "u1", base)); err != nil {
				t.Fatalf("create: %v", err)
			}

			const workers = 8
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := repo.Transition(ctx, "200", StatusCancelled, "", base); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winning transition, got %d", wins)
			}
		})
	}
}

func TestRedisCreateFailureLeavesNoRecord(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := NewRedisRepository(client)
	ctx := context.Background()

	// A string under the global index makes ZADD fail inside EXEC.
	if err := mr.Set(activeIndexKey, "corrupt"); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	err = repo.Create(ctx, sample("n1", "u1", base))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := repo.Get(ctx, "n1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be removed, got %v", err)
	}
	if n := client.ZCard(ctx, userActiveKey("u1")).Val(); n != 0 {
		t.Fatalf("expected empty user index, got %d", n)
	}

	mr.Del(activeIndexKey)
	if err := repo.Create(ctx, sample("n1", "u1", base)); err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if err := repo.Create(ctx, sample("n1", "u1", base)); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}
