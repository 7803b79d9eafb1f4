package pow

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const usedSetPrefix = "pow:used:"

// RedisUsedSet implements UsedSetStore against a single Redis key per
// challenge id (SET with an expiry), rather than one unbounded set like
// the rate limiter's blocklist, so expiry is per-challenge instead of
// requiring a separate reaper.
type RedisUsedSet struct {
	client *redis.Client
}

// NewRedisUsedSet wraps an existing client.
func NewRedisUsedSet(client *redis.Client) *RedisUsedSet {
	return &RedisUsedSet{client: client}
}

// IsUsed implements UsedSetStore.
func (s *RedisUsedSet) IsUsed(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.client.Exists(ctx, usedSetPrefix+challengeID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkUsed implements UsedSetStore. The value itself is irrelevant; only
// the key's existence and TTL matter.
func (s *RedisUsedSet) MarkUsed(ctx context.Context, challengeID string, ttl time.Duration) error {
	return s.client.Set(ctx, usedSetPrefix+challengeID, "1", ttl).Err()
}
