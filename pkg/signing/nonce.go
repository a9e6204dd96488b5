package signing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// NonceStore remembers nonces for as long as a request carrying them can pass the
// timestamp check. Claim returns true the first time a (token, nonce) pair is seen and
// false for any repeat.
type NonceStore interface {
	Claim(ctx context.Context, token, nonce string, ttl time.Duration) (bool, error)
}

const defaultNonceCapacity = 65536

// NonceTTL is how long a nonce must be remembered for a replay window. Timestamps are
// accepted up to window either side of now, so a future-dated request stays valid for
// twice the window.
func NonceTTL(window time.Duration) time.Duration {
	if window <= 0 {
		window = DefaultWindow
	}
	return 2 * window
}

// MemoryNonces is a process-local NonceStore backed by an expiring LRU. Entries live for
// NonceTTL of the window passed at construction. When the cache is full the oldest
// nonces are evicted first.
type MemoryNonces struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewMemoryNonces creates a MemoryNonces holding up to capacity nonces for a replay
// window of window.
func NewMemoryNonces(capacity int, window time.Duration) *MemoryNonces {
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &MemoryNonces{seen: expirable.NewLRU[string, struct{}](capacity, nil, NonceTTL(window))}
}

// Claim implements NonceStore. The ttl argument is ignored in favour of the cache TTL.
func (m *MemoryNonces) Claim(_ context.Context, token, nonce string, _ time.Duration) (bool, error) {
	if m == nil {
		return false, errors.New("nil nonce store")
	}
	key := token + "\x00" + nonce

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen.Contains(key) {
		return false, nil
	}
	m.seen.Add(key, struct{}{})
	return true, nil
}

// RedisNonces shares the seen-nonce set between replicas through Redis.
type RedisNonces struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisNonces returns a RedisNonces using keys under prefix (default "syncd:nonce").
func NewRedisNonces(rdb redis.UniversalClient, prefix string) (*RedisNonces, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "syncd:nonce"
	}
	return &RedisNonces{rdb: rdb, prefix: prefix}, nil
}

// Claim implements NonceStore with SET NX and an expiry equal to ttl.
func (r *RedisNonces) Claim(ctx context.Context, token, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = NonceTTL(DefaultWindow)
	}
	key := r.prefix + ":" + token + ":" + nonce
	return r.rdb.SetNX(ctx, key, 1, ttl).Result()
}
