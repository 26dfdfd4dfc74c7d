package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
)

type RedisDashboardCache struct {
	client *redis.Client
}

func NewRedisDashboardCache(addr string, password string, db int) *RedisDashboardCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisDashboardCache{client: client}
}

func (c *RedisDashboardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisDashboardCache) Close() error {
	return c.client.Close()
}

func (c *RedisDashboardCache) Get(ctx context.Context, key string) (*domain.DashboardStats, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stats domain.DashboardStats
	if err := json.Unmarshal([]byte(val), &stats); err != nil {
		return nil, false, err
	}
	return &stats, true, nil
}

func (c *RedisDashboardCache) Set(ctx context.Context, key string, value *domain.DashboardStats, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisDashboardCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisDashboardCache) GetSuggestions(ctx context.Context, key string) ([]domain.ReorderSuggestion, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var suggestions []domain.ReorderSuggestion
	if err := json.Unmarshal([]byte(val), &suggestions); err != nil {
		return nil, false, err
	}
	return suggestions, true, nil
}

func (c *RedisDashboardCache) SetSuggestions(ctx context.Context, key string, value []domain.ReorderSuggestion, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
