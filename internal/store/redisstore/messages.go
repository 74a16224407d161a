package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/redis/go-redis/v9"
)

// CachedMessage is the cache view of one chat message.
type CachedMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func messagesKey(sessionID string) string {
	return fmt.Sprintf("chat:session:%s:messages", sessionID)
}

func encodeMessage(m CachedMessage) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeMessage(b []byte) (CachedMessage, error) {
	var m CachedMessage
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return m, fmt.Errorf("snappy decode: %w", err)
	}
	err = json.Unmarshal(raw, &m)
	return m, err
}

// AppendMessage pushes m onto an existing list and keeps only the newest
// cacheSize entries. It reports false, and writes nothing, when the session
// has no cached list yet; callers reseed from the database in that case.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, m CachedMessage) (bool, error) {
	b, err := encodeMessage(m)
	if err != nil {
		return false, err
	}
	key := messagesKey(sessionID)
	var pushed *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		pushed = p.RPushX(ctx, key, b)
		p.LTrim(ctx, key, int64(-s.cacheSize), -1)
		p.Expire(ctx, key, s.cacheTTL)
		return nil
	})
	if err != nil {
		return false, err
	}
	return pushed.Val() > 0, nil
}

// GetMessages returns cached messages oldest first; a miss yields an empty slice.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]CachedMessage, error) {
	items, err := s.rdb.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]CachedMessage, 0, len(items))
	for _, it := range items {
		m, err := decodeMessage([]byte(it))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SeedMessages replaces the cached list for sessionID.
func (s *Store) SeedMessages(ctx context.Context, sessionID string, msgs []CachedMessage) error {
	if len(msgs) > s.cacheSize {
		msgs = msgs[len(msgs)-s.cacheSize:]
	}
	vals := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := encodeMessage(m)
		if err != nil {
			return err
		}
		vals = append(vals, b)
	}
	key := messagesKey(sessionID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(vals) > 0 {
			p.RPush(ctx, key, vals...)
			p.Expire(ctx, key, s.cacheTTL)
		}
		return nil
	})
	return err
}

func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, messagesKey(sessionID)).Err()
}
