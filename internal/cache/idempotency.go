package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riptide-run/riptide/ports"
)

// InMemoryIdempotency is a process-local ports.IdempotencyStore used in tests
// and single-process deployments. Acquire is atomic under a mutex; TTL
// expiry is checked lazily on the next Acquire for the same token (no
// background sweeper, matching the Redis SET NX EX semantics it stands in
// for).
type InMemoryIdempotency struct {
	mu      sync.Mutex
	tokens  map[string]time.Time // token -> expiry
	nowFunc func() time.Time
}

// NewInMemoryIdempotency constructs an in-process idempotency store.
func NewInMemoryIdempotency() *InMemoryIdempotency {
	return &InMemoryIdempotency{tokens: make(map[string]time.Time), nowFunc: time.Now}
}

func (s *InMemoryIdempotency) Acquire(_ context.Context, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	if exp, ok := s.tokens[token]; ok && exp.After(now) {
		return false, nil
	}
	s.tokens[token] = now.Add(ttl)
	return true, nil
}

func (s *InMemoryIdempotency) Release(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

var _ ports.IdempotencyStore = (*InMemoryIdempotency)(nil)

// RedisIdempotency is the production ports.IdempotencyStore backed by Redis
// `SET key NX EX ttl`.
type RedisIdempotency struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotency wraps an existing *redis.Client. keyPrefix namespaces
// idempotency tokens from other keys sharing the same Redis instance.
func NewRedisIdempotency(client *redis.Client, keyPrefix string) *RedisIdempotency {
	if keyPrefix == "" {
		keyPrefix = "riptide:idem:"
	}
	return &RedisIdempotency{client: client, prefix: keyPrefix}
}

// Acquire performs SET key NX EX ttl; true means fresh, false means a
// duplicate is in flight or done.
func (r *RedisIdempotency) Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+token, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release deletes the key early, freeing the token before its TTL elapses.
func (r *RedisIdempotency) Release(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.prefix+token).Err()
}

var _ ports.IdempotencyStore = (*RedisIdempotency)(nil)
