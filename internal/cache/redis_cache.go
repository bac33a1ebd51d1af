package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-collab/internal/config"
)

type RedisAccessCache struct {
	client *redis.Client
	prefix string
}

func NewRedisAccessCache(cfg config.RedisConfig, prefix string) (*RedisAccessCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisAccessCache{
		client: client,
		prefix: prefix,
	}, nil
}

func (c *RedisAccessCache) BuildUserKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", c.prefix, userID)
}

func (c *RedisAccessCache) BuildPermissionKey(documentID, userID string) string {
	return fmt.Sprintf("%s:perm:%s:%s", c.prefix, documentID, userID)
}

func (c *RedisAccessCache) GetUser(ctx context.Context, key string) (*UserResult, error) {
	var result UserResult
	if err := c.get(ctx, key, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RedisAccessCache) SetUser(ctx context.Context, key string, result *UserResult, ttl time.Duration) error {
	return c.set(ctx, key, result, ttl)
}

func (c *RedisAccessCache) GetPermission(ctx context.Context, key string) (*PermissionResult, error) {
	var result PermissionResult
	if err := c.get(ctx, key, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RedisAccessCache) SetPermission(ctx context.Context, key string, result *PermissionResult, ttl time.Duration) error {
	return c.set(ctx, key, result, ttl)
}

func (c *RedisAccessCache) get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get from redis: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return nil
}

func (c *RedisAccessCache) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisAccessCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// DeleteDocument drops every cached permission for the document.
func (c *RedisAccessCache) DeleteDocument(ctx context.Context, documentID string) error {
	pattern := fmt.Sprintf("%s:perm:%s:*", c.prefix, documentID)

	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis: %w", err)
	}
	return c.Delete(ctx, keys...)
}

func (c *RedisAccessCache) Close() error {
	return c.client.Close()
}
