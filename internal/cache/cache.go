// Package cache implements the read-through cache that sits in front of the
// fusion producer: a process-local memory tier, an optional durable tier, and
// a producer invoked on miss whose result is written through both tiers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"fusion_api/internal/store"
)

type Producer[T any] func(ctx context.Context) (T, error)

type Result[T any] struct {
	Payload T
	Source  Source
}

// Metrics receives cache observations. *obs.Metrics satisfies it.
type Metrics interface {
	RecordCacheLookup(source string, duration time.Duration)
	RecordCacheStoreFail(op string)
}

type Config struct {
	// Durable is nil when the durable tier is disabled.
	Durable  Durable
	Coalesce bool
	Logger   *log.Logger
	Metrics  Metrics
	Clock    func() time.Time
}

type Coordinator[T any] struct {
	memory  *Memory[T]
	durable Durable
	flights *coalescer[T]
	logger  *log.Logger
	metrics Metrics
	now     func() time.Time
}

func New[T any](memory *Memory[T], cfg Config) *Coordinator[T] {
	if memory == nil {
		memory = NewMemory[T]()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Coordinator[T]{
		memory:  memory,
		durable: cfg.Durable,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     clock,
	}
	if cfg.Coalesce {
		c.flights = &coalescer[T]{}
	}
	return c
}

func (c *Coordinator[T]) DurableEnabled() bool {
	return c.durable != nil
}

// Resolve returns the live value for key, consulting memory, then the durable
// tier, then producer. Only a producer error is returned to the caller, and it
// is returned unwrapped; durable-tier failures are logged and skipped.
// A ttlSeconds of zero or less means DefaultTTLSeconds, not "do not cache".
// A producer panic is re-raised on the calling goroutine, wrapped in
// *PanicError when the fill was coalesced.
func (c *Coordinator[T]) Resolve(ctx context.Context, key string, producer Producer[T], ttlSeconds int) (Result[T], error) {
	started := time.Now()
	now := c.now().Unix()
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}

	if entry, ok := c.memory.Get(key); ok && entry.Live(now) {
		return c.finish(key, Result[T]{Payload: entry.Payload, Source: SourceMemory}, started), nil
	}

	if c.durable != nil {
		if payload, expiresAt, ok := c.readDurable(ctx, key, now); ok {
			c.memory.Set(key, payload, expiresAt)
			return c.finish(key, Result[T]{Payload: payload, Source: SourceDurable}, started), nil
		}
	}

	fill := func(ctx context.Context) (Result[T], error) {
		// a coalesced fill may start after another flight already wrote the key
		if entry, ok := c.memory.Get(key); ok && entry.Live(now) {
			return Result[T]{Payload: entry.Payload, Source: SourceMemory}, nil
		}
		return c.fill(ctx, key, producer, now, ttlSeconds)
	}

	var (
		result Result[T]
		err    error
	)
	if c.flights != nil {
		var shared bool
		result, err, shared = c.flights.do(ctx, key, fill)
		if shared {
			c.logger.Debug("cache fill coalesced", "key", key)
		}
	} else {
		result, err = fill(ctx)
	}
	if err != nil {
		c.logger.Debug("cache producer failed", "key", key, "err", err)
		return Result[T]{}, err
	}
	return c.finish(key, result, started), nil
}

func (c *Coordinator[T]) readDurable(ctx context.Context, key string, now int64) (T, int64, bool) {
	var zero T
	record, ok, err := c.durable.GetCache(ctx, key)
	if err != nil {
		c.storeFailed("get", key, err)
		return zero, 0, false
	}
	if !ok || record.ExpiresAt <= now || isEmptyPayload(record.Payload) {
		return zero, 0, false
	}

	var payload T
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		c.logger.Warn("durable cache payload undecodable", "key", key, "err", err)
		return zero, 0, false
	}
	return payload, record.ExpiresAt, true
}

func (c *Coordinator[T]) fill(ctx context.Context, key string, producer Producer[T], now int64, ttlSeconds int) (Result[T], error) {
	payload, err := producer(ctx)
	if err != nil {
		return Result[T]{}, err
	}

	expiresAt := now + int64(ttlSeconds)
	c.memory.Set(key, payload, expiresAt)

	if c.durable != nil {
		c.writeDurable(ctx, key, payload, expiresAt)
	}
	return Result[T]{Payload: payload, Source: SourceMiss}, nil
}

func (c *Coordinator[T]) writeDurable(ctx context.Context, key string, payload T, expiresAt int64) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("cache payload not serializable", "key", key, "err", err)
		return
	}
	if err := c.durable.PutCache(ctx, store.CacheRecord{Key: key, Payload: encoded, ExpiresAt: expiresAt}); err != nil {
		c.storeFailed("put", key, err)
	}
}

func (c *Coordinator[T]) storeFailed(op string, key string, err error) {
	if c.metrics != nil {
		c.metrics.RecordCacheStoreFail(op)
	}
	if errors.Is(err, store.ErrUnavailable) {
		c.logger.Warn("durable cache unavailable", "op", op, "key", key, "err", err)
		return
	}
	c.logger.Warn("durable cache error", "op", op, "key", key, "err", err)
}

func (c *Coordinator[T]) finish(key string, result Result[T], started time.Time) Result[T] {
	elapsed := time.Since(started)
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(string(result.Source), elapsed)
	}
	c.logger.Debug("cache resolved", "key", key, "source", string(result.Source), "duration_ms", elapsed.Milliseconds())
	return result
}

func isEmptyPayload(payload json.RawMessage) bool {
	return len(payload) == 0 || string(payload) == "null"
}
