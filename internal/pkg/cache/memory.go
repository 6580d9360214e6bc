package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	value    V
	expires  time.Time
	inserted uint64
}

// Memory is an in-process cache with per-entry expiry and a hard capacity.
// When full, the oldest inserted entry is evicted.
type Memory[V any] struct {
	mu      sync.Mutex
	policy  Policy
	entries map[string]memoryEntry[V]
	seq     uint64
	now     func() time.Time
}

func NewMemory[V any](policy Policy) *Memory[V] {
	policy = policy.normalized()
	return &Memory[V]{
		policy:  policy,
		entries: make(map[string]memoryEntry[V], policy.Capacity),
		now:     time.Now,
	}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if m.now().After(entry.expires) {
		delete(m.entries, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.policy.Capacity {
		m.evictLocked()
	}
	m.seq++
	m.entries[key] = memoryEntry[V]{
		value:    value,
		expires:  m.now().Add(m.policy.TTL),
		inserted: m.seq,
	}
}

func (m *Memory[V]) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictLocked drops expired entries, or the oldest one if none expired.
func (m *Memory[V]) evictLocked() {
	now := m.now()
	oldestKey := ""
	var oldestSeq uint64
	removed := false
	for key, entry := range m.entries {
		if now.After(entry.expires) {
			delete(m.entries, key)
			removed = true
			continue
		}
		if oldestKey == "" || entry.inserted < oldestSeq {
			oldestKey = key
			oldestSeq = entry.inserted
		}
	}
	if !removed && oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
