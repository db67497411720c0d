package cache

import "fusion_api/internal/store"

// DefaultTTLSeconds applies when Resolve is called with a non-positive ttl.
const DefaultTTLSeconds = 1800

type Source string

const (
	SourceMemory  Source = "MEMORY"
	SourceDurable Source = "DURABLE"
	SourceMiss    Source = "MISS"
)

func (s Source) Hit() bool {
	return s == SourceMemory || s == SourceDurable
}

// Header returns the X-Cache header value for s.
func (s Source) Header() string {
	if s.Hit() {
		return "Hit"
	}
	return "Miss"
}

type Entry[T any] struct {
	Key       string
	Payload   T
	ExpiresAt int64
}

// Live reports whether the entry may still be served at now (epoch seconds).
// An entry expiring exactly at now is dead.
func (e Entry[T]) Live(now int64) bool {
	return e.ExpiresAt > now
}

// Durable is the slower tier consulted after memory. Implementations must
// report every transport failure as an error wrapping store.ErrUnavailable.
type Durable = store.CacheTable
