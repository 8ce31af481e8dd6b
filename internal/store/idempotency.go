package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// MemoryIdempotency keeps idempotency keys in process memory.
type MemoryIdempotency struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]idemEntry
	now     func() time.Time
}

type idemEntry struct {
	resp    *CachedResponse
	expires time.Time
}

// NewMemoryIdempotency creates an in-memory store whose keys expire after ttl.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
		now:     time.Now,
	}
}

// lookup returns the live entry for key, dropping it if expired.
// The caller holds mu.
func (m *MemoryIdempotency) lookup(key string) (idemEntry, bool) {
	e, ok := m.entries[key]
	if ok && m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, key)
		return idemEntry{}, false
	}
	return e, ok
}

// Reserve claims key.
func (m *MemoryIdempotency) Reserve(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = idemEntry{expires: m.now().Add(m.ttl)}
	return true, nil
}

// Get returns the saved response for key.
func (m *MemoryIdempotency) Get(ctx context.Context, key string) (*CachedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.resp == nil {
		return nil, nil
	}
	resp := *e.resp
	return &resp, nil
}

// Save stores the response for key.
func (m *MemoryIdempotency) Save(ctx context.Context, key string, resp CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = idemEntry{resp: &resp, expires: m.now().Add(m.ttl)}
	return nil
}

// Release forgets key.
func (m *MemoryIdempotency) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// RedisIdempotency keeps idempotency keys in Redis so replays survive
// restarts and work across instances.
type RedisIdempotency struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotency creates a Redis-backed store.
func NewRedisIdempotency(client redis.UniversalClient, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl, prefix: "mt5-trader:idem:"}
}

// NewRedisClient builds a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func (r *RedisIdempotency) key(k string) string {
	return r.prefix + k
}

// Reserve claims key with SETNX.
func (r *RedisIdempotency) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), pendingMarker, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	return ok, nil
}

// Get returns the saved response for key.
func (r *RedisIdempotency) Get(ctx context.Context, key string) (*CachedResponse, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency key: %w", err)
	}
	if val == pendingMarker {
		return nil, nil
	}

	var resp CachedResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, fmt.Errorf("decoding cached response: %w", err)
	}
	return &resp, nil
}

// Save stores the response for key.
func (r *RedisIdempotency) Save(ctx context.Context, key string, resp CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding cached response: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving idempotency key: %w", err)
	}
	return nil
}

// Release forgets key.
func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Ping checks the Redis connection.
func (r *RedisIdempotency) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisIdempotency) Close() error {
	return r.client.Close()
}
