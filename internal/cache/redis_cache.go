// Package cache provides Redis-backed caching for plain-text projections and
// rendered content. Keys carry the content revision, so a sync naturally
// misses the old entries and TTL reclaims them.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache caches derived render state keyed by content revision.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache from a URL.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
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

	return &RedisCache{client: client, ttl: ttl}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func projectionKey(documentID, chapterID, revision string) string {
	return fmt.Sprintf("projection:%s:%s:%s", documentID, chapterID, revision)
}

func renderKey(ownerID, documentID, chapterID, revision string) string {
	return fmt.Sprintf("render:%s:%s:%s:%s", ownerID, documentID, chapterID, revision)
}

// GetProjection returns a cached projection. A miss is ("", false, nil).
func (c *RedisCache) GetProjection(ctx context.Context, documentID, chapterID, revision string) (string, bool, error) {
	value, err := c.client.Get(ctx, projectionKey(documentID, chapterID, revision)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get projection: %w", err)
	}
	return value, true, nil
}

// SetProjection caches a projection for one content revision.
func (c *RedisCache) SetProjection(ctx context.Context, documentID, chapterID, revision, projection string) error {
	if err := c.client.Set(ctx, projectionKey(documentID, chapterID, revision), projection, c.ttl).Err(); err != nil {
		return fmt.Errorf("set projection: %w", err)
	}
	return nil
}

// GetRender returns cached rendered content for one reader and scope.
func (c *RedisCache) GetRender(ctx context.Context, ownerID, documentID, chapterID, revision string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, renderKey(ownerID, documentID, chapterID, revision)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get render: %w", err)
	}
	return value, true, nil
}

// SetRender caches rendered content for one reader and scope.
func (c *RedisCache) SetRender(ctx context.Context, ownerID, documentID, chapterID, revision string, payload []byte) error {
	if err := c.client.Set(ctx, renderKey(ownerID, documentID, chapterID, revision), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set render: %w", err)
	}
	return nil
}

// InvalidateRender drops the cached render after a mutation changed the
// stored highlights without changing the revision.
func (c *RedisCache) InvalidateRender(ctx context.Context, ownerID, documentID, chapterID, revision string) error {
	if err := c.client.Del(ctx, renderKey(ownerID, documentID, chapterID, revision)).Err(); err != nil {
		return fmt.Errorf("invalidate render: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
