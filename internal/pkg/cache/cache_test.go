package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := NewMemory[float64](Policy{TTL: time.Minute, Capacity: 4})
	c.now = func() time.Time { return now }

	c.Set(ctx, "weth", 3100.5)
	v, ok := c.Get(ctx, "weth")
	assert.True(t, ok)
	assert.Equal(t, 3100.5, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "weth")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryEvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[int](Policy{TTL: time.Hour, Capacity: 3})
	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), i)
	}
	c.Set(ctx, "k3", 3)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get(ctx, "k0")
	assert.False(t, ok, "oldest entry should be evicted")
	v, ok := c.Get(ctx, "k3")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestMemoryOverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[string](Policy{TTL: time.Hour, Capacity: 2})
	c.Set(ctx, "a", "1")
	c.Set(ctx, "b", "2")
	c.Set(ctx, "a", "3")

	v, ok := c.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	v, _ = c.Get(ctx, "a")
	assert.Equal(t, "3", v)
}

func TestNopNeverHits(t *testing.T) {
	var c Cache[int] = Nop[int]{}
	c.Set(context.Background(), "a", 1)
	_, ok := c.Get(context.Background(), "a")
	assert.False(t, ok)
}

func TestRedisUnavailableIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewRedis[int](client, "keeper:test:", Policy{TTL: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.Set(ctx, "a", 1)
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}
