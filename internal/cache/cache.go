// Package cache is the eventual-consistency cache layer (C2): a thin
// redis/go-redis/v9 wrapper over Get/Set/Del/DelByPrefix, plus a
// GetOrCompute helper that collapses concurrent misses for the same key
// into one upstream computation via golang.org/x/sync/singleflight. Callers
// write-then-invalidate; nothing here guarantees read-after-write
// consistency beyond the per-key TTL.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/cloudlearn/corelms/internal/apperr"
)

// Cache is the interface components depend on so tests can swap in a
// no-op or in-memory double without a live redis instance.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelByPrefix(ctx context.Context, prefix string) error
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest any, compute func(ctx context.Context) (any, error)) error
}

// RedisCache is the production Cache, built the way the teacher's
// notification service builds its redis.Client (redis.NewClient with
// Options{Addr: cfg.RedisURL}), extended with a singleflight.Group so a
// cache-stampede on a hot key only runs compute once.
type RedisCache struct {
	rdb   *redis.Client
	group singleflight.Group
}

func NewRedisCache(redisURL string) *RedisCache {
	return &RedisCache{
		rdb: redis.NewClient(&redis.Options{Addr: redisURL}),
	}
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "cache get failed")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "cache value corrupt")
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to marshal cache value")
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "cache set failed")
	}
	return nil
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "cache delete failed")
	}
	return nil
}

// DelByPrefix scans for prefix* in batches and deletes them. Used for
// invalidating every cached view that touches a given subsection/section/
// topic after a write, e.g. "progress:section:42:*".
func (c *RedisCache) DelByPrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return apperr.Wrap(apperr.CodeInternal, err, "cache prefix delete failed")
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "cache scan failed")
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return apperr.Wrap(apperr.CodeInternal, err, "cache prefix delete failed")
		}
	}
	return nil
}

// GetOrCompute serves key from cache when present; on a miss it runs
// compute exactly once per key even under concurrent callers (singleflight),
// stores the result with ttl, and unmarshals it into dest for every caller
// that joined the in-flight call.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest any, compute func(ctx context.Context) (any, error)) error {
	if hit, err := c.Get(ctx, key, dest); err != nil {
		return err
	} else if hit {
		return nil
	}

	raw, err, _ := c.group.Do(key, func() (any, error) {
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, val, ttl); err != nil {
			return nil, err
		}
		return json.Marshal(val)
	})
	if err != nil {
		return err
	}

	data, ok := raw.([]byte)
	if !ok {
		return apperr.New(apperr.CodeInternal, "unexpected singleflight result type")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to unmarshal computed value")
	}
	return nil
}

// Key helpers centralize the key families named in the design so every
// caller invalidates the same strings it wrote.
func ProgressSectionKey(userID, sectionID int64) string {
	return fmt.Sprintf("progress:section:%d:%d", userID, sectionID)
}

func ProgressTopicKey(userID, topicID int64) string {
	return fmt.Sprintf("progress:topic:%d:%d", userID, topicID)
}

func ProgressUserPrefix(userID int64) string {
	return fmt.Sprintf("progress:*:%d:", userID)
}

func AvailabilityKey(userID, entityID int64, kind string) string {
	return fmt.Sprintf("availability:%s:%d:%d", kind, userID, entityID)
}

func FileURLKey(subsectionID int64) string {
	return fmt.Sprintf("fileurl:%d", subsectionID)
}

func StaticKey(kind string, id int64) string {
	return fmt.Sprintf("static:%s:%d", kind, id)
}
