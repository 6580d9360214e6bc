package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/borrowbot/keeper/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the shared cache/lease backend. An empty
// address returns (nil, nil) so callers fall back to in-process state.
func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg == nil || cfg.Redis.Addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
