package gatewaysig

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// NonceStore records nonces that have been used. Claim must be atomic:
// among concurrent callers presenting the same key exactly one observes true.
type NonceStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisNonceStore keeps nonces in Redis so every replica shares one replay cache.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore builds a Redis backed nonce store.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

// Claim sets the key only if it does not exist yet.
func (s *RedisNonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), ttl).Result()
}

// MemoryNonceStore keeps nonces in process memory. Suitable for a single
// replica or local development.
type MemoryNonceStore struct {
	cache *gocache.Cache
}

// NewMemoryNonceStore builds an in-process nonce store. Expired entries are
// swept every cleanupInterval.
func NewMemoryNonceStore(cleanupInterval time.Duration) *MemoryNonceStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryNonceStore{cache: gocache.New(DefaultMaxSkew, cleanupInterval)}
}

// Claim adds the key unless a live entry already exists.
func (s *MemoryNonceStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.cache.Add(key, time.Now().Unix(), ttl); err != nil {
		return false, nil
	}
	return true, nil
}
