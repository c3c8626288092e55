package dispatch

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryCounters is an in-process CounterStore for tests and single-worker
// deployments. Expiry is lazy: a counter past its window reads as absent
// and is replaced on the next write.
type MemoryCounters struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryCounters creates an empty in-memory counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

func (m *MemoryCounters) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || m.now().After(c.expiresAt) {
		c = &memoryCounter{value: 1, expiresAt: m.now().Add(ttl)}
		m.counters[key] = c
		return 1, nil
	}
	c.value++
	return c.value, nil
}

func (m *MemoryCounters) Decrement(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || m.now().After(c.expiresAt) {
		delete(m.counters, key)
		return 0, nil
	}
	c.value--
	if c.value < 0 {
		c.value = 0
	}
	return c.value, nil
}

func (m *MemoryCounters) Get(ctx context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || m.now().After(c.expiresAt) {
		return 0, false, nil
	}
	return c.value, true, nil
}

func (m *MemoryCounters) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key] = &memoryCounter{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}
