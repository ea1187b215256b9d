package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var errEntryNotFound = errors.New("directory entry not found")

// Entry maps a public ownid to the internal user id, optionally guarded by a
// bcrypt-hashed secret.
type Entry struct {
	OwnID      string
	UserID     string
	SecretHash []byte
}

// Directory is the second lookup table consulted by the lookup authenticator.
type Directory interface {
	Lookup(ctx context.Context, ownID string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
}

// HashSecret bcrypt-hashes a caller secret for storage in a directory entry.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// Lookup resolves ownids through a Directory.
type Lookup struct {
	dir Directory
}

// NewLookup builds a lookup authenticator.
func NewLookup(dir Directory) *Lookup {
	return &Lookup{dir: dir}
}

// Authenticate resolves ownid and verifies the secret when the entry has one.
func (l *Lookup) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	ownID := strings.TrimSpace(creds.OwnID)
	if ownID == "" {
		return "", ErrUnauthorized
	}
	entry, err := l.dir.Lookup(ctx, ownID)
	if errors.Is(err, errEntryNotFound) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", err
	}
	if len(entry.SecretHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(entry.SecretHash, []byte(creds.Secret)); err != nil {
			return "", ErrUnauthorized
		}
	}
	return entry.UserID, nil
}

type memoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryDirectory builds an in-memory directory.
func NewMemoryDirectory() Directory {
	return &memoryDirectory{entries: make(map[string]Entry)}
}

func (d *memoryDirectory) Lookup(_ context.Context, ownID string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[ownID]
	if !ok {
		return Entry{}, errEntryNotFound
	}
	return e, nil
}

func (d *memoryDirectory) Put(_ context.Context, entry Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[entry.OwnID] = entry
	return nil
}

const directoryPrefix = "auth:directory:"

// RedisDirectory stores entries as hashes keyed by ownid.
type RedisDirectory struct {
	rdb *redis.Client
}

// NewRedisDirectory builds a Redis-backed directory.
func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

// Lookup reads the entry hash.
func (d *RedisDirectory) Lookup(ctx context.Context, ownID string) (Entry, error) {
	fields, err := d.rdb.HGetAll(ctx, directoryPrefix+ownID).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s: %w: %v", ownID, ErrStoreUnavailable, err)
	}
	if len(fields) == 0 || fields["user_id"] == "" {
		return Entry{}, errEntryNotFound
	}
	e := Entry{OwnID: ownID, UserID: fields["user_id"]}
	if h := fields["secret_hash"]; h != "" {
		e.SecretHash = []byte(h)
	}
	return e, nil
}

// Put writes the entry hash.
func (d *RedisDirectory) Put(ctx context.Context, entry Entry) error {
	err := d.rdb.HSet(ctx, directoryPrefix+entry.OwnID,
		"user_id", entry.UserID,
		"secret_hash", string(entry.SecretHash),
	).Err()
	if err != nil {
		return fmt.Errorf("put %s: %w: %v", entry.OwnID, ErrStoreUnavailable, err)
	}
	return nil
}
