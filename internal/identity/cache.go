// Package identity resolves the authenticated user from the trusted proxy
// header and caches the lookup in Redis.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stencil/api/internal/store"
)

const cacheTTL = 5 * time.Minute

type cachedUser struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisCache holds resolved users keyed by username so repeat requests skip
// the database.
type RedisCache struct {
	client *redis.Client
	prefix string
}

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

	return &RedisCache{client: client, prefix: "identity:"}, nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "identity:"}
}

func (c *RedisCache) key(username string) string {
	return c.prefix + username
}

// Get returns the cached user for username, or (nil, nil) on a miss. Cache
// errors are returned so callers can decide to fall through to the database.
func (c *RedisCache) Get(ctx context.Context, username string) (*store.User, error) {
	jsonData, err := c.client.Get(ctx, c.key(username)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cached user: %w", err)
	}

	var data cachedUser
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return nil, fmt.Errorf("unmarshal cached user: %w", err)
	}
	return &store.User{ID: data.ID, DisplayName: data.DisplayName, CreatedAt: data.CreatedAt}, nil
}

func (c *RedisCache) Set(ctx context.Context, user store.User) error {
	jsonData, err := json.Marshal(cachedUser{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal cached user: %w", err)
	}
	if err := c.client.Set(ctx, c.key(user.DisplayName), jsonData, cacheTTL).Err(); err != nil {
		return fmt.Errorf("cache user: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
