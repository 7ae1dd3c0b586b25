package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loom/api/internal/lifecycle"
)

// RedisCache keeps the latest classification result per branch path. A
// finished run replaces the entry for its branch; entries are invalidated
// whenever a new run starts acting on changed content so readers never see a
// result for stale branch content.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "classify:",
		ttl:    24 * time.Hour,
	}
}

func (c *RedisCache) key(branchPath string) string {
	return c.prefix + branchPath
}

// Put stores the latest result for the branch.
func (c *RedisCache) Put(ctx context.Context, branchPath string, result lifecycle.ClassificationResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal classification result: %w", err)
	}
	if err := c.client.Set(ctx, c.key(branchPath), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache classification result: %w", err)
	}
	return nil
}

// Get returns the cached result for the branch, and whether one exists.
func (c *RedisCache) Get(ctx context.Context, branchPath string) (lifecycle.ClassificationResult, bool, error) {
	raw, err := c.client.Get(ctx, c.key(branchPath)).Result()
	if err == redis.Nil {
		return lifecycle.ClassificationResult{}, false, nil
	}
	if err != nil {
		return lifecycle.ClassificationResult{}, false, fmt.Errorf("read cached result: %w", err)
	}
	var result lifecycle.ClassificationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return lifecycle.ClassificationResult{}, false, fmt.Errorf("unmarshal classification result: %w", err)
	}
	return result, true, nil
}

// Invalidate drops the cached result for the branch.
func (c *RedisCache) Invalidate(ctx context.Context, branchPath string) error {
	if err := c.client.Del(ctx, c.key(branchPath)).Err(); err != nil {
		return fmt.Errorf("invalidate cached result: %w", err)
	}
	return nil
}

// NoopCache is used when no Redis is configured. Reads always miss and every
// classification hits the engine directly.
type NoopCache struct{}

func (NoopCache) Put(context.Context, string, lifecycle.ClassificationResult) error { return nil }

func (NoopCache) Get(context.Context, string) (lifecycle.ClassificationResult, bool, error) {
	return lifecycle.ClassificationResult{}, false, nil
}

func (NoopCache) Invalidate(context.Context, string) error { return nil }

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
