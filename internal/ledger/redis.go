package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	accountKeyPrefix = "ledger:account:"
	txKeyPrefix      = "ledger:tx:"
	maxCreditRetries = 20
)

// RedisStore keeps accounts in hashes and transaction records in a per-user
// sorted set scored by timestamp. Conditional writes use WATCH/MULTI.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore builds a Redis-backed ledger store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func accountKey(userID string) string { return accountKeyPrefix + userID }
func txKey(userID string) string      { return txKeyPrefix + userID }

// Get loads the account hash.
func (s *RedisStore) Get(ctx context.Context, userID string) (Account, error) {
	fields, err := s.rdb.HGetAll(ctx, accountKey(userID)).Result()
	if err != nil {
		return Account{}, unavailable("get account", err)
	}
	if len(fields) == 0 {
		return Account{}, ErrAccountNotFound
	}
	return decodeAccount(userID, fields)
}

// PutIfAbsent writes acct unless the hash already exists.
func (s *RedisStore) PutIfAbsent(ctx context.Context, acct Account) (Account, error) {
	key := accountKey(acct.UserID)
	stored := acct
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			existing, err := decodeAccount(acct.UserID, fields)
			if err != nil {
				return err
			}
			stored = existing
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeAccount(acct))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone created it first; return theirs.
		return s.Get(ctx, acct.UserID)
	}
	if err != nil {
		return Account{}, unavailable("put account", err)
	}
	return stored, nil
}

// ConditionalUpdate replaces the hash and appends entry if the balance is unchanged.
func (s *RedisStore) ConditionalUpdate(ctx context.Context, expectedBalance int64, next Account, entry Transaction) error {
	key := accountKey(next.UserID)
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, "balance").Result()
		if errors.Is(err, redis.Nil) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		current, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		if current != expectedBalance {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeAccount(next))
			pipe.ZAdd(ctx, txKey(next.UserID), redis.Z{Score: float64(entry.Timestamp.UnixMilli()), Member: payload})
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrAccountNotFound):
		return err
	default:
		return unavailable("conditional update", err)
	}
}

// Credit increments the balance under WATCH so balanceBefore/After are exact.
func (s *RedisStore) Credit(ctx context.Context, userID string, entry Transaction) (Account, Transaction, error) {
	key := accountKey(userID)
	for i := 0; i < maxCreditRetries; i++ {
		if err := ctx.Err(); err != nil {
			return Account{}, Transaction{}, unavailable("credit", err)
		}
		var (
			acct   Account
			stored Transaction
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return ErrAccountNotFound
			}
			acct, err = decodeAccount(userID, fields)
			if err != nil {
				return err
			}
			stored = entry
			stored.BalanceBefore = acct.Balance
			acct.Balance += entry.Amount
			acct.LastRefund = entry.Timestamp
			stored.BalanceAfter = acct.Balance
			payload, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "balance", acct.Balance, "last_refund", encodeTime(acct.LastRefund))
				pipe.ZAdd(ctx, txKey(userID), redis.Z{Score: float64(stored.Timestamp.UnixMilli()), Member: payload})
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			return acct, stored, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrAccountNotFound):
			return Account{}, Transaction{}, err
		default:
			return Account{}, Transaction{}, unavailable("credit", err)
		}
	}
	// Credits are unconditional, so contention that outlasts the retries is a
	// store availability problem for the caller.
	return Account{}, Transaction{}, unavailable("credit", ErrConflict)
}

// Touch sets last_active on an existing account.
func (s *RedisStore) Touch(ctx context.Context, userID string, at time.Time) error {
	key := accountKey(userID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("touch", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	if err := s.rdb.HSet(ctx, key, "last_active", encodeTime(at)).Err(); err != nil {
		return unavailable("touch", err)
	}
	return nil
}

// Transactions reads the newest limit records from the sorted set.
func (s *RedisStore) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	members, err := s.rdb.ZRevRange(ctx, txKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	out := make([]Transaction, 0, len(members))
	for _, m := range members {
		var t Transaction
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			return nil, unavailable("decode transaction", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func encodeAccount(a Account) map[string]any {
	return map[string]any{
		"balance":      a.Balance,
		"total_spent":  a.TotalSpent,
		"numbers_used": a.NumbersUsed,
		"created_at":   encodeTime(a.CreatedAt),
		"last_active":  encodeTime(a.LastActive),
		"last_used":    encodeTime(a.LastUsed),
		"last_refund":  encodeTime(a.LastRefund),
	}
}

func decodeAccount(userID string, f map[string]string) (Account, error) {
	acct := Account{UserID: userID}
	var err error
	if acct.Balance, err = parseInt(f["balance"]); err != nil {
		return Account{}, unavailable("decode account", err)
	}
	if acct.TotalSpent, err = parseInt(f["total_spent"]); err != nil {
		return Account{}, unavailable("decode account", err)
	}
	if acct.NumbersUsed, err = parseInt(f["numbers_used"]); err != nil {
		return Account{}, unavailable("decode account", err)
	}
	acct.CreatedAt = decodeTime(f["created_at"])
	acct.LastActive = decodeTime(f["last_active"])
	acct.LastUsed = decodeTime(f["last_used"])
	acct.LastRefund = decodeTime(f["last_refund"])
	return acct, nil
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
