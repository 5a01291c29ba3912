package quota

import (
	"context"
	"sync"
	"time"

	"ogimage/internal/domain"
)

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter is an in-process domain.CounterStore for single-instance
// development and tests.
type MemoryCounter struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{items: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.items[key]
	if !ok || (!e.expiresAt.IsZero() && now.After(e.expiresAt)) {
		e = memoryEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	e.count++
	m.items[key] = e
	return e.count, nil
}

func (m *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || (!e.expiresAt.IsZero() && m.now().After(e.expiresAt)) {
		return 0, nil
	}
	return e.count, nil
}

var _ domain.CounterStore = (*MemoryCounter)(nil)
