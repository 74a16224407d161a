package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blacklist holds revoked tokens until they expire.
type Blacklist interface {
	Add(ctx context.Context, token string, expiresAt time.Time) error
	Contains(ctx context.Context, token string) (bool, error)
	// Purge drops entries expired at now and returns how many were removed.
	Purge(now time.Time) int
}

type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time), now: time.Now}
}

func (b *MemoryBlacklist) Add(_ context.Context, token string, expiresAt time.Time) error {
	b.mu.Lock()
	b.entries[token] = expiresAt
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) Contains(_ context.Context, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.entries[token]
	if !ok {
		return false, nil
	}
	if !b.now().Before(exp) {
		delete(b.entries, token)
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlacklist) Purge(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for tok, exp := range b.entries {
		if !now.Before(exp) {
			delete(b.entries, tok)
			n++
		}
	}
	return n
}

func (b *MemoryBlacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// RedisBlacklist shares revocations between server instances.
type RedisBlacklist struct {
	rdb *redis.Client
}

func NewRedisBlacklist(rdb *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{rdb: rdb}
}

func blacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token:blacklist:" + hex.EncodeToString(sum[:])
}

func (b *RedisBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return b.rdb.Set(ctx, blacklistKey(token), 1, ttl).Err()
}

func (b *RedisBlacklist) Contains(ctx context.Context, token string) (bool, error) {
	n, err := b.rdb.Exists(ctx, blacklistKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Purge is a no-op; Redis expires the keys itself.
func (b *RedisBlacklist) Purge(time.Time) int { return 0 }
