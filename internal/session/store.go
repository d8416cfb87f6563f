package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by CredentialStore.Get on a miss or after expiry.
var ErrNotFound = errors.New("credential not found")

// CredentialStore keeps tenant connection strings server-side, keyed by the
// session's DatabaseRef.
type CredentialStore interface {
	Put(ctx context.Context, ref, dsn string) error
	Get(ctx context.Context, ref string) (string, error)
}

// RedisStore is a CredentialStore shared by every server process.
type RedisStore struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. Keys are "<prefix>cred:<ref>".
func NewRedisStore(rdb *goredis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(ref string) string { return s.prefix + "cred:" + ref }

// Put stores dsn under ref, replacing any previous value.
func (s *RedisStore) Put(ctx context.Context, ref, dsn string) error {
	if err := s.rdb.Set(ctx, s.key(ref), dsn, s.ttl).Err(); err != nil {
		return fmt.Errorf("credential store put: %w", err)
	}
	return nil
}

// Get returns the dsn stored under ref.
func (s *RedisStore) Get(ctx context.Context, ref string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(ref)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credential store get: %w", err)
	}
	return v, nil
}

// MemoryStore is a process-local CredentialStore.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	dsn     string
	expires time.Time
}

// NewMemoryStore creates a MemoryStore. A zero ttl never expires entries.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// Put stores dsn under ref.
func (s *MemoryStore) Put(_ context.Context, ref, dsn string) error {
	e := memoryEntry{dsn: dsn}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[ref] = e
	s.mu.Unlock()
	return nil
}

// Get returns the dsn stored under ref.
func (s *MemoryStore) Get(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[ref]
	s.mu.RUnlock()
	if !ok || (!e.expires.IsZero() && s.now().After(e.expires)) {
		return "", ErrNotFound
	}
	return e.dsn, nil
}

var (
	_ CredentialStore = (*RedisStore)(nil)
	_ CredentialStore = (*MemoryStore)(nil)
)
