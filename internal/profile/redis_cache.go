package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileKeyPattern = "profile:%s"

// RedisCache implements the fast tier on Redis. Entries are JSON blobs with
// a TTL so idle identities age out of the cache.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func profileKey(identity string) string {
	return fmt.Sprintf(profileKeyPattern, identity)
}

// GetProfile loads a cached profile, returning ErrCacheMiss when absent.
func (c *RedisCache) GetProfile(ctx context.Context, identity string) (*BehaviorProfile, error) {
	data, err := c.client.Get(ctx, profileKey(identity)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var p BehaviorProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal cached profile: %w", err)
	}
	return &p, nil
}

// SetProfile writes a profile with the given TTL.
func (c *RedisCache) SetProfile(ctx context.Context, p *BehaviorProfile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := c.client.Set(ctx, profileKey(p.Identity), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeleteProfile removes a cached profile.
func (c *RedisCache) DeleteProfile(ctx context.Context, identity string) error {
	if err := c.client.Del(ctx, profileKey(identity)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
