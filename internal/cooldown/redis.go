package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces cooldown records in Redis.
const DefaultKeyPrefix = "pixel:cooldown:"

// RedisStore keeps one string key per user holding the RFC 3339 time of
// the last accepted write, expiring after the cooldown window.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) Last(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing cooldown record for %s: %w", userID, err)
	}
	return at, true, nil
}

func (s *RedisStore) Put(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(userID), at.UTC().Format(time.RFC3339Nano), ttl).Err()
}
