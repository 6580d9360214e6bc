package repository

import (
	"context"
	"sync"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease guards a position so only one keeper replica acts on it at a time.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool)
}

// RedisLease uses SET NX PX with a random token; release only deletes the
// key while the token still matches.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLease(client redis.UniversalClient, prefix string) *RedisLease {
	return &RedisLease{client: client, prefix: prefix + "lease:"}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		// lease backend down: skip rather than risk a double submission
		logger.Warn("lease acquire failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
			logger.Debug("lease release failed", "key", key, "error", err)
		}
	}, true
}

// LocalLease is the single-process fallback.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLease) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, false
	}
	l.held[key] = l.now().Add(ttl)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true
}
