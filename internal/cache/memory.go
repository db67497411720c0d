package cache

import "sync"

// Memory is the process-local tier. It is unbounded and never evicts; dead
// entries stay until the next miss for the same key overwrites them.
type Memory[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{entries: make(map[string]Entry[T])}
}

func (m *Memory[T]) Get(key string) (Entry[T], bool) {
	if m == nil {
		return Entry[T]{}, false
	}
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	return entry, ok
}

func (m *Memory[T]) Set(key string, payload T, expiresAt int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.entries[key] = Entry[T]{Key: key, Payload: payload, ExpiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *Memory[T]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
