package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fusion_api/internal/store"
	"fusion_api/internal/store/memstore"
)

type named struct {
	Name string `json:"name"`
}

type fusion struct {
	Base      *named `json:"base"`
	Wiki      *named `json:"wiki"`
	FetchedAt string `json:"fetchedAt"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingProducer struct {
	calls   atomic.Int32
	payload fusion
	err     error
}

func (p *countingProducer) Produce(context.Context) (fusion, error) {
	p.calls.Add(1)
	if p.err != nil {
		return fusion{}, p.err
	}
	return p.payload, nil
}

func lukePayload() fusion {
	return fusion{
		Base:      &named{Name: "Luke Skywalker"},
		Wiki:      &named{Name: "Luke Skywalker"},
		FetchedAt: "2024-01-01T00:00:00Z",
	}
}

// failingDurable reports every call as unavailable.
type failingDurable struct {
	gets atomic.Int32
	puts atomic.Int32
}

func (f *failingDurable) GetCache(context.Context, string) (store.CacheRecord, bool, error) {
	f.gets.Add(1)
	return store.CacheRecord{}, false, store.Unavailable("get", errors.New("no credentials"))
}

func (f *failingDurable) PutCache(context.Context, store.CacheRecord) error {
	f.puts.Add(1)
	return store.Unavailable("put", errors.New("no credentials"))
}

type recordingMetrics struct {
	mu       sync.Mutex
	lookups  map[string]int
	failures map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{lookups: make(map[string]int), failures: make(map[string]int)}
}

func (m *recordingMetrics) RecordCacheLookup(source string, _ time.Duration) {
	m.mu.Lock()
	m.lookups[source]++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordCacheStoreFail(op string) {
	m.mu.Lock()
	m.failures[op]++
	m.mu.Unlock()
}

func TestMemoizationWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := New(NewMemory[fusion](), Config{Clock: clock.Now})
	producer := &countingProducer{payload: lukePayload()}

	first, err := c.Resolve(context.Background(), "cache#people#luke", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Source != SourceMiss {
		t.Fatalf("expected MISS, got %s", first.Source)
	}

	clock.Advance(1799 * time.Second)
	second, err := c.Resolve(context.Background(), "cache#people#luke", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Source != SourceMemory {
		t.Fatalf("expected MEMORY, got %s", second.Source)
	}
	if producer.calls.Load() != 1 {
		t.Fatalf("expected producer called once, got %d", producer.calls.Load())
	}
	if second.Payload.Base.Name != first.Payload.Base.Name || second.Payload.FetchedAt != first.Payload.FetchedAt {
		t.Fatalf("payload mismatch: %+v vs %+v", first.Payload, second.Payload)
	}
}

func TestExpiryInvokesProducerAgain(t *testing.T) {
	clock := newFakeClock()
	c := New(NewMemory[fusion](), Config{Clock: clock.Now})
	first := &countingProducer{payload: lukePayload()}
	if _, err := c.Resolve(context.Background(), "k", first.Produce, 60); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// an entry expiring exactly now is already dead
	clock.Advance(60 * time.Second)
	second := &countingProducer{payload: fusion{FetchedAt: "later"}}
	result, err := c.Resolve(context.Background(), "k", second.Produce, 60)
	if err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if second.calls.Load() != 1 {
		t.Fatalf("expected fresh producer call, got %d", second.calls.Load())
	}
	if result.Source != SourceMiss || result.Payload.FetchedAt != "later" {
		t.Fatalf("expected fresh MISS payload, got %s %+v", result.Source, result.Payload)
	}
}

func TestExpiryMeasuredFromResolveStart(t *testing.T) {
	clock := newFakeClock()
	memory := NewMemory[fusion]()
	c := New(memory, Config{Clock: clock.Now})
	start := clock.Now().Unix()

	slow := func(context.Context) (fusion, error) {
		clock.Advance(30 * time.Second)
		return lukePayload(), nil
	}
	if _, err := c.Resolve(context.Background(), "k", slow, 100); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	entry, ok := memory.Get("k")
	if !ok {
		t.Fatalf("expected memory entry")
	}
	if entry.ExpiresAt != start+100 {
		t.Fatalf("expected expiresAt %d, got %d", start+100, entry.ExpiresAt)
	}
}

func TestDurableGetFailureFallsThrough(t *testing.T) {
	durable := &failingDurable{}
	metrics := newRecordingMetrics()
	c := New(NewMemory[fusion](), Config{Durable: durable, Metrics: metrics})
	producer := &countingProducer{payload: lukePayload()}

	result, err := c.Resolve(context.Background(), "k", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("expected durable failure to be absorbed, got %v", err)
	}
	if result.Source != SourceMiss || producer.calls.Load() != 1 {
		t.Fatalf("expected producer fallback, source=%s calls=%d", result.Source, producer.calls.Load())
	}
	if durable.gets.Load() != 1 || durable.puts.Load() != 1 {
		t.Fatalf("expected one get and one put attempt, got %d/%d", durable.gets.Load(), durable.puts.Load())
	}
	if metrics.failures["get"] != 1 || metrics.failures["put"] != 1 {
		t.Fatalf("expected store failures recorded, got %v", metrics.failures)
	}

	again, err := c.Resolve(context.Background(), "k", producer.Produce, 1800)
	if err != nil || again.Source != SourceMemory {
		t.Fatalf("expected memory hit after failed write-through, source=%s err=%v", again.Source, err)
	}
}

func TestDurablePromotion(t *testing.T) {
	clock := newFakeClock()
	durable := memstore.New()
	payload, _ := json.Marshal(lukePayload())
	if err := durable.PutCache(context.Background(), store.CacheRecord{
		Key:       "cache#people#luke",
		Payload:   payload,
		ExpiresAt: clock.Now().Unix() + 100,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := New(NewMemory[fusion](), Config{Durable: durable, Clock: clock.Now})
	producer := &countingProducer{payload: fusion{FetchedAt: "unexpected"}}

	first, err := c.Resolve(context.Background(), "cache#people#luke", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.Source != SourceDurable {
		t.Fatalf("expected DURABLE, got %s", first.Source)
	}
	second, err := c.Resolve(context.Background(), "cache#people#luke", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Source != SourceMemory {
		t.Fatalf("expected MEMORY after promotion, got %s", second.Source)
	}
	if second.Payload.Base == nil || second.Payload.Base.Name != "Luke Skywalker" {
		t.Fatalf("unexpected promoted payload %+v", second.Payload)
	}
	if producer.calls.Load() != 0 {
		t.Fatalf("producer should not run, ran %d times", producer.calls.Load())
	}
}

func TestDurableHitWithNullBase(t *testing.T) {
	clock := newFakeClock()
	durable := memstore.New()
	if err := durable.PutCache(context.Background(), store.CacheRecord{
		Key:       "cache#planets#xyz",
		Payload:   json.RawMessage(`{"base":null,"wiki":null,"fetchedAt":"2024-01-01T00:00:00Z"}`),
		ExpiresAt: clock.Now().Unix() + 100,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := New(NewMemory[fusion](), Config{Durable: durable, Clock: clock.Now})
	producer := &countingProducer{}
	result, err := c.Resolve(context.Background(), "cache#planets#xyz", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Source != SourceDurable || producer.calls.Load() != 0 {
		t.Fatalf("expected DURABLE without producer, got %s calls=%d", result.Source, producer.calls.Load())
	}
	if result.Payload.Base != nil {
		t.Fatalf("expected nil base, got %+v", result.Payload.Base)
	}
}

func TestDurableExpiredEntryIgnored(t *testing.T) {
	clock := newFakeClock()
	durable := memstore.New()
	_ = durable.PutCache(context.Background(), store.CacheRecord{
		Key:       "k",
		Payload:   json.RawMessage(`{"fetchedAt":"stale"}`),
		ExpiresAt: clock.Now().Unix(),
	})

	c := New(NewMemory[fusion](), Config{Durable: durable, Clock: clock.Now})
	producer := &countingProducer{payload: fusion{FetchedAt: "fresh"}}
	result, err := c.Resolve(context.Background(), "k", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Source != SourceMiss || result.Payload.FetchedAt != "fresh" {
		t.Fatalf("expected fresh MISS, got %s %+v", result.Source, result.Payload)
	}

	record, ok, _ := durable.GetCache(context.Background(), "k")
	if !ok || record.ExpiresAt != clock.Now().Unix()+1800 {
		t.Fatalf("expected stale row overwritten in place, got %+v", record)
	}
}

func TestDurableUndecodablePayloadIgnored(t *testing.T) {
	clock := newFakeClock()
	durable := memstore.New()
	_ = durable.PutCache(context.Background(), store.CacheRecord{
		Key:       "k",
		Payload:   json.RawMessage(`"not an object"`),
		ExpiresAt: clock.Now().Unix() + 100,
	})

	c := New(NewMemory[fusion](), Config{Durable: durable, Clock: clock.Now})
	producer := &countingProducer{payload: lukePayload()}
	result, err := c.Resolve(context.Background(), "k", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Source != SourceMiss {
		t.Fatalf("expected MISS, got %s", result.Source)
	}
}

func TestProducerErrorPropagatesUnchanged(t *testing.T) {
	durable := memstore.New()
	memory := NewMemory[fusion]()
	c := New(memory, Config{Durable: durable})
	boom := errors.New("SWAPI 503 for https://swapi.example/api/people/?search=luke")
	producer := &countingProducer{err: boom}

	_, err := c.Resolve(context.Background(), "k", producer.Produce, 1800)
	if err != boom {
		t.Fatalf("expected the producer error itself, got %v", err)
	}
	if memory.Len() != 0 {
		t.Fatalf("expected no memory entry, got %d", memory.Len())
	}
	if _, ok, _ := durable.GetCache(context.Background(), "k"); ok {
		t.Fatalf("expected no durable entry")
	}
}

func TestKeysAreByteSensitive(t *testing.T) {
	c := New(NewMemory[fusion](), Config{})
	producer := &countingProducer{payload: lukePayload()}

	if _, err := c.Resolve(context.Background(), "cache#people#luke", producer.Produce, 1800); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, err := c.Resolve(context.Background(), "cache#people#Luke", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Source != SourceMiss || producer.calls.Load() != 2 {
		t.Fatalf("expected distinct keys, source=%s calls=%d", result.Source, producer.calls.Load())
	}
}

func TestOfflineAlwaysMissAcrossProcesses(t *testing.T) {
	producer := &countingProducer{payload: lukePayload()}
	for i := 0; i < 3; i++ {
		c := New(NewMemory[fusion](), Config{})
		if c.DurableEnabled() {
			t.Fatalf("expected durable tier disabled")
		}
		result, err := c.Resolve(context.Background(), "cache#people#luke", producer.Produce, 1800)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if result.Source != SourceMiss {
			t.Fatalf("process %d: expected MISS, got %s", i, result.Source)
		}
	}
	if producer.calls.Load() != 3 {
		t.Fatalf("expected 3 producer calls, got %d", producer.calls.Load())
	}
}

func TestWriteThroughSharedAcrossProcesses(t *testing.T) {
	durable := memstore.New()
	producer := &countingProducer{payload: lukePayload()}

	first := New(NewMemory[fusion](), Config{Durable: durable})
	if _, err := first.Resolve(context.Background(), "k", producer.Produce, 1800); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second := New(NewMemory[fusion](), Config{Durable: durable})
	result, err := second.Resolve(context.Background(), "k", producer.Produce, 1800)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Source != SourceDurable || producer.calls.Load() != 1 {
		t.Fatalf("expected DURABLE from the other process, got %s calls=%d", result.Source, producer.calls.Load())
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	clock := newFakeClock()
	memory := NewMemory[fusion]()
	c := New(memory, Config{Clock: clock.Now})
	producer := &countingProducer{payload: lukePayload()}
	if _, err := c.Resolve(context.Background(), "k", producer.Produce, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	entry, _ := memory.Get("k")
	if entry.ExpiresAt != clock.Now().Unix()+DefaultTTLSeconds {
		t.Fatalf("expected default ttl, got expiresAt %d", entry.ExpiresAt)
	}
}

func TestCoalescedMissesInvokeProducerOnce(t *testing.T) {
	c := New(NewMemory[fusion](), Config{Coalesce: true})
	release := make(chan struct{})
	var calls atomic.Int32
	producer := func(context.Context) (fusion, error) {
		calls.Add(1)
		<-release
		return lukePayload(), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Resolve(context.Background(), "k", producer, 1800)
			if err != nil {
				errs <- err
				return
			}
			if result.Payload.Base == nil {
				errs <- errors.New("missing payload")
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("resolve: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single producer call, got %d", calls.Load())
	}
}

func resolveRecovering(c *Coordinator[fusion], producer Producer[fusion]) (recovered any) {
	defer func() { recovered = recover() }()
	_, _ = c.Resolve(context.Background(), "k", producer, 1800)
	return nil
}

func TestProducerPanicReachesCaller(t *testing.T) {
	for _, coalesce := range []bool{false, true} {
		c := New(NewMemory[fusion](), Config{Coalesce: coalesce})
		recovered := resolveRecovering(c, func(context.Context) (fusion, error) {
			panic("producer bug")
		})
		if recovered == nil {
			t.Fatalf("coalesce=%v: expected the panic on the calling goroutine", coalesce)
		}
		if perr, ok := recovered.(*PanicError); coalesce && (!ok || perr.Value != "producer bug") {
			t.Fatalf("coalesce=%v: unexpected panic value %v", coalesce, recovered)
		}

		result, err := c.Resolve(context.Background(), "k", func(context.Context) (fusion, error) {
			return lukePayload(), nil
		}, 1800)
		if err != nil || result.Source != SourceMiss {
			t.Fatalf("coalesce=%v: expected a fresh fill after the panic, got %v %v", coalesce, result.Source, err)
		}
	}
}

func TestCoalescedWaiterHonoursOwnContext(t *testing.T) {
	c := New(NewMemory[fusion](), Config{Coalesce: true})
	release := make(chan struct{})
	defer close(release)
	producer := func(context.Context) (fusion, error) {
		<-release
		return lukePayload(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, "k", producer, 1800)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLookupMetricsBySource(t *testing.T) {
	metrics := newRecordingMetrics()
	c := New(NewMemory[fusion](), Config{Metrics: metrics})
	producer := &countingProducer{payload: lukePayload()}
	_, _ = c.Resolve(context.Background(), "k", producer.Produce, 1800)
	_, _ = c.Resolve(context.Background(), "k", producer.Produce, 1800)

	if metrics.lookups["MISS"] != 1 || metrics.lookups["MEMORY"] != 1 {
		t.Fatalf("unexpected lookup metrics %v", metrics.lookups)
	}
}

func TestSourceHeader(t *testing.T) {
	cases := map[Source]string{
		SourceMemory:  "Hit",
		SourceDurable: "Hit",
		SourceMiss:    "Miss",
	}
	for source, want := range cases {
		if got := source.Header(); got != want {
			t.Errorf("%s: expected %s, got %s", source, want, got)
		}
	}
}

func TestBuildKey(t *testing.T) {
	if got := BuildKey("people", "  Luke "); got != "cache#people#luke" {
		t.Fatalf("unexpected key %q", got)
	}
	if BuildKey("people", "LUKE") != BuildKey("people", "luke") {
		t.Fatalf("expected case-insensitive keys")
	}
	if BuildKey("people", "luke") == BuildKey("planets", "luke") {
		t.Fatalf("expected resource in key")
	}
}
