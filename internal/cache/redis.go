package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"dexflow/internal/models"
)

const keyPrefix = "active_order:"

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(opt *redis.Options, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: redis.NewClient(opt), ttl: ttl}
}

func (c *RedisCache) Set(ctx context.Context, order *models.Order) error {
	if c == nil || c.client == nil || order == nil || order.ID == "" {
		return nil
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+order.ID, payload, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, id string) (*models.Order, error) {
	if c == nil || c.client == nil || id == "" {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var order models.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.Del(ctx, keyPrefix+id).Err()
}

func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
