package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Redis shares cached values between keeper replicas. Values are stored as
// JSON under prefix+key with the policy TTL; capacity is left to the server's
// eviction policy.
type Redis[V any] struct {
	client redis.UniversalClient
	prefix string
	policy Policy
}

func NewRedis[V any](client redis.UniversalClient, prefix string, policy Policy) *Redis[V] {
	return &Redis[V]{
		client: client,
		prefix: prefix,
		policy: policy.normalized(),
	}
}

func (r *Redis[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Debug("redis cache get failed", "key", r.prefix+key, "error", err)
		}
		return zero, false
	}
	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		logger.Warn("redis cache entry undecodable", "key", r.prefix+key, "error", err)
		return zero, false
	}
	return value, true
}

func (r *Redis[V]) Set(ctx context.Context, key string, value V) {
	raw, err := json.Marshal(value)
	if err != nil {
		logger.Warn("redis cache entry unencodable", "key", r.prefix+key, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, r.policy.TTL).Err(); err != nil {
		logger.Debug("redis cache set failed", "key", r.prefix+key, "error", err)
	}
}

func (r *Redis[V]) Delete(ctx context.Context, key string) {
	_ = r.client.Del(ctx, r.prefix+key).Err()
}
