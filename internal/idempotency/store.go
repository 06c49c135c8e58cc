// Package idempotency remembers the result of start requests that carry a
// client-chosen key so that a retried request replays the first answer
// instead of starting the execution again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stepflow/model"
)

// Store deduplicates requests by key.
type Store interface {
	// Check looks up a previous result. A key seen with a different body
	// hash returns found and a CONFLICT error.
	Check(ctx context.Context, key, bodyHash string) (result *model.RunResult, found bool, err error)

	// Store saves result under key for ttl.
	Store(ctx context.Context, key, bodyHash string, result model.RunResult, ttl time.Duration) error
}

// Key builds the storage key for a client key on one execution row.
func Key(ref model.ExecutionRef, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", ref.TenantID, ref.DefinitionID, ref.TargetRef, clientKey)
}

// HashBody returns the hex SHA-256 of a request body.
func HashBody(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

type entry struct {
	BodyHash string          `json:"body_hash"`
	Result   model.RunResult `json:"result"`
}

func conflict() error {
	return model.NewConflictError("idempotency key already used with a different request body")
}

// --- MemoryStore ---

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements Store. Expired entries are dropped on lookup.
func (s *MemoryStore) Check(_ context.Context, key, bodyHash string) (*model.RunResult, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.BodyHash != bodyHash {
		return nil, true, conflict()
	}
	result := e.data.Result
	return &result, true, nil
}

// Store implements Store.
func (s *MemoryStore) Store(_ context.Context, key, bodyHash string, result model.RunResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{BodyHash: bodyHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps entries as JSON strings under "stepflow:" prefixed keys
// with a Redis expiry.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, bodyHash string) (*model.RunResult, bool, error) {
	raw, err := s.client.Get(ctx, "stepflow:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.BodyHash != bodyHash {
		return nil, true, conflict()
	}
	return &e.Result, true, nil
}

// Store implements Store.
func (s *RedisStore) Store(ctx context.Context, key, bodyHash string, result model.RunResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{BodyHash: bodyHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, "stepflow:"+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
