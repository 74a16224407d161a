package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client

	// message cache sizing
	cacheSize int
	cacheTTL  time.Duration
}

type Option func(*Store)

// WithMessageCache bounds the per-session message list.
func WithMessageCache(size int, ttl time.Duration) Option {
	return func(s *Store) {
		if size > 0 {
			s.cacheSize = size
		}
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func New(addr, password string, db int, opts ...Option) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewFromClient(rdb, opts...)
}

func NewFromClient(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, cacheSize: 50, cacheTTL: 24 * time.Hour}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, data, ttl).Err()
}

// GetJSON returns redis.Nil when key is missing.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}
