// Package idempotency remembers the outcome of workflow actions submitted
// with an Idempotency-Key so that client retries replay the first result
// instead of acting twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/parapheur/model"
)

// Store provides deduplication for action submissions.
type Store interface {
	// Check looks up a previous result by key. A key reused with a different
	// input hash returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result *model.ActionResult, found bool, err error)

	// Save records a result under key for ttl.
	Save(ctx context.Context, key, inputHash string, result model.ActionResult, ttl time.Duration) error
}

type entry struct {
	InputHash string             `json:"input_hash"`
	Result    model.ActionResult `json:"result"`
}

// Key builds the storage key. Keys are scoped to the instance and the actor
// so two users cannot observe each other's replays.
func Key(instanceID, actorID, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s", instanceID, actorID, clientKey)
}

// HashInput fingerprints an action payload.
func HashInput(in model.ActionInput) string {
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different action", key))
}

// --- MemoryStore ---

// MemoryStore is an in-process Store with TTL support, for tests and
// single-replica deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]memEntry
	now       func() time.Time
	nextPrune time.Time
}

// pruneInterval bounds how often Save sweeps expired entries.
const pruneInterval = time.Minute

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.ActionResult, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	result := e.data.Result
	return &result, true, nil
}

// Save implements Store. Expired entries of keys that were never retried are
// dropped here, at most once per pruneInterval.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result model.ActionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.Before(s.nextPrune) {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.nextPrune = now.Add(pruneInterval)
	}

	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: now.Add(ttl),
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

// RedisStore keeps results in Redis so replays work across replicas.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.ActionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Result, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result model.ActionResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck reports whether Redis answers.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
