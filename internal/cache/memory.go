package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloudlearn/corelms/internal/apperr"
)

// MemoryCache is a Cache double for component tests that don't run redis.
type MemoryCache struct {
	mu    sync.Mutex
	data  map[string]entry
	group singleflight.Group
}

type entry struct {
	value   []byte
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]entry)}
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	e, ok := c.data[key]
	if ok && time.Now().After(e.expires) {
		delete(c.data, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.value, dest); err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, err, "cache value corrupt")
	}
	return true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "failed to marshal cache value")
	}
	c.mu.Lock()
	c.data[key] = entry{value: data, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

// DelByPrefix mirrors RedisCache's SCAN-by-glob semantics: prefix may itself
// contain "*" wildcards (e.g. ProgressUserPrefix's "progress:*:42:"), so this
// appends a trailing "*" and matches with the same glob rules redis's MATCH
// uses, rather than a plain string prefix check.
func (c *MemoryCache) DelByPrefix(ctx context.Context, prefix string) error {
	pattern := prefix + "*"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(c.data, k)
		}
	}
	return nil
}

func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest any, compute func(ctx context.Context) (any, error)) error {
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
	return json.Unmarshal(data, dest)
}
