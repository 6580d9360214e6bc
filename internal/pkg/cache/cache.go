// Package cache provides the TTL-bounded lookup cache injected into the
// pricing, constitution and monitoring layers.
package cache

import (
	"context"
	"time"
)

// Cache stores values of one type under string keys. Implementations must be
// safe for concurrent use. A lookup that fails for infrastructure reasons is
// reported as a miss.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Delete(ctx context.Context, key string)
}

// Policy bounds what a cache keeps.
type Policy struct {
	TTL      time.Duration
	Capacity int
}

func (p Policy) normalized() Policy {
	if p.TTL <= 0 {
		p.TTL = time.Minute
	}
	if p.Capacity <= 0 {
		p.Capacity = 1024
	}
	return p
}

// Nop never stores anything. Useful where a collaborator requires a cache
// but freshness matters more than load.
type Nop[V any] struct{}

func (Nop[V]) Get(context.Context, string) (V, bool) {
	var zero V
	return zero, false
}

func (Nop[V]) Set(context.Context, string, V) {}

func (Nop[V]) Delete(context.Context, string) {}
