// Package memstore is a process-local store.Backend. It backs history and item
// storage when the durable tier is disabled and doubles as a test fixture.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"fusion_api/internal/store"
)

type counter struct {
	count     int
	expiresAt int64
}

type Store struct {
	mu       sync.RWMutex
	cache    map[string]store.CacheRecord
	history  []store.HistoryRecord
	items    map[string]store.Item
	counters map[string]*counter
	now      func() time.Time

	// FailWith, when set, is returned (wrapped as unavailable) by every call.
	FailWith error
}

func New() *Store {
	return &Store{
		cache:    make(map[string]store.CacheRecord),
		items:    make(map[string]store.Item),
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) fail(op string) error {
	if s.FailWith == nil {
		return nil
	}
	return store.Unavailable(op, s.FailWith)
}

func (s *Store) GetCache(_ context.Context, key string) (store.CacheRecord, bool, error) {
	if err := s.fail("get cache"); err != nil {
		return store.CacheRecord{}, false, err
	}
	s.mu.RLock()
	record, ok := s.cache[key]
	s.mu.RUnlock()
	return record, ok, nil
}

func (s *Store) PutCache(_ context.Context, record store.CacheRecord) error {
	if err := s.fail("put cache"); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[record.Key] = record
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendHistory(_ context.Context, record store.HistoryRecord) error {
	if err := s.fail("append history"); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = append(s.history, record)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListHistory(_ context.Context, limit int, cursor string) (store.HistoryPage, error) {
	if err := s.fail("list history"); err != nil {
		return store.HistoryPage{}, err
	}
	limit = store.ClampHistoryLimit(limit)

	s.mu.RLock()
	records := make([]store.HistoryRecord, 0, len(s.history))
	for _, record := range s.history {
		if record.PK != store.HistoryPartition {
			continue
		}
		if cursor != "" && record.SK >= cursor {
			continue
		}
		records = append(records, record)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].SK > records[j].SK
	})

	page := store.HistoryPage{Items: records}
	if len(records) > limit {
		page.Items = records[:limit]
		next := page.Items[limit-1].SK
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Store) PutItem(_ context.Context, item store.Item) error {
	if err := s.fail("put item"); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[item.PK] = item
	s.mu.Unlock()
	return nil
}

func (s *Store) Item(pk string) (store.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[pk]
	return item, ok
}

func (s *Store) IncrementWindow(_ context.Context, window store.Window) (int, error) {
	if err := s.fail("increment window"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nowUnix := s.now().Unix()
	for key, c := range s.counters {
		if c.expiresAt <= nowUnix {
			delete(s.counters, key)
		}
	}

	c := s.counters[window.Key]
	if c == nil {
		c = &counter{expiresAt: window.ExpiresAt}
		s.counters[window.Key] = c
	}
	if c.count >= window.Limit {
		return c.count, store.ErrLimitExceeded
	}
	c.count++
	return c.count, nil
}

func (s *Store) Ping(context.Context) error {
	return s.fail("ping")
}

func (s *Store) Close() error {
	return nil
}
