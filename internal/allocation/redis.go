package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordPrefix     = "alloc:record:"
	userActivePrefix = "alloc:active:user:"
	activeIndexKey   = "alloc:active"
)

// RedisRepository stores each allocation as a JSON string plus two indexes of
// active allocations: one per user and one global, both scored by creation time.
type RedisRepository struct {
	rdb *redis.Client
}

// NewRedisRepository builds a Redis-backed allocation repository.
func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func recordKey(id string) string         { return recordPrefix + id }
func userActiveKey(userID string) string { return userActivePrefix + userID }

// Create stores a new allocation and indexes it while active. The record and
// its indexes are written in one transaction; if any queued command fails the
// record is removed again so no unindexed active allocation is left behind.
func (r *RedisRepository) Create(ctx context.Context, a Allocation) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := recordKey(a.NumberID)
	queued := false
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		queued = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if a.Status == StatusActive {
				score := float64(a.CreatedAt.UnixMilli())
				pipe.ZAdd(ctx, userActiveKey(a.UserID), redis.Z{Score: score, Member: a.NumberID})
				pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: score, Member: a.NumberID})
			}
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExists), errors.Is(err, redis.TxFailedErr):
		return ErrExists
	default:
		if queued {
			r.discard(ctx, a)
		}
		return unavailable("create allocation", err)
	}
}

// discard removes a partially written allocation.
func (r *RedisRepository) discard(ctx context.Context, a Allocation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(a.NumberID))
		pipe.ZRem(ctx, userActiveKey(a.UserID), a.NumberID)
		pipe.ZRem(ctx, activeIndexKey, a.NumberID)
		return nil
	})
}

// Get loads one allocation.
func (r *RedisRepository) Get(ctx context.Context, numberID string) (Allocation, error) {
	raw, err := r.rdb.Get(ctx, recordKey(numberID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Allocation{}, ErrNotFound
	}
	if err != nil {
		return Allocation{}, unavailable("get allocation", err)
	}
	var a Allocation
	if err := json.Unmarshal(raw, &a); err != nil {
		return Allocation{}, unavailable("decode allocation", err)
	}
	return a, nil
}

// Transition rewrites the record under WATCH so only one caller leaves the active state.
func (r *RedisRepository) Transition(ctx context.Context, numberID, to, otp string, at time.Time) (Allocation, error) {
	key := recordKey(numberID)
	var out Allocation
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if !CanTransition(out.Status, to) {
			return ErrInvalidTransition
		}
		out.Status = to
		if otp != "" {
			out.OTP = otp
		}
		out.UpdatedAt = at
		payload, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZRem(ctx, userActiveKey(out.UserID), numberID)
			pipe.ZRem(ctx, activeIndexKey, numberID)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrNotFound):
		return Allocation{}, err
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, redis.TxFailedErr):
		// A concurrent writer won; report the state it left behind.
		current, getErr := r.Get(ctx, numberID)
		if getErr != nil {
			return Allocation{}, getErr
		}
		return current, ErrInvalidTransition
	default:
		return Allocation{}, unavailable("transition allocation", err)
	}
}

// ListActive reads the user's active index.
func (r *RedisRepository) ListActive(ctx context.Context, userID string) ([]Allocation, error) {
	ids, err := r.rdb.ZRange(ctx, userActiveKey(userID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list active", err)
	}
	return r.load(ctx, ids)
}

// ListStale reads the global active index up to cutoff.
func (r *RedisRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Allocation, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("(%d", cutoff.UnixMilli())}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, activeIndexKey, opt).Result()
	if err != nil {
		return nil, unavailable("list stale", err)
	}
	return r.load(ctx, ids)
}

func (r *RedisRepository) load(ctx context.Context, ids []string) ([]Allocation, error) {
	out := make([]Allocation, 0, len(ids))
	for _, id := range ids {
		a, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status == StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}
