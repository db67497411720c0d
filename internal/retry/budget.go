package retry

import "sync"

// Budget earns a fraction of a retry token per successful call, capped at
// burst. It starts full so a cold instance can still retry.
type Budget struct {
	mu          sync.Mutex
	percent     float64
	burst       int
	tokens      int
	accumulator float64
}

func NewBudget(percent int, burst int) *Budget {
	return &Budget{
		percent: float64(percent) / 100,
		burst:   burst,
		tokens:  burst,
	}
}

func (b *Budget) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.percent <= 0 || b.burst <= 0 {
		return
	}
	b.accumulator += b.percent
	if b.accumulator < 1 {
		return
	}
	add := int(b.accumulator)
	b.accumulator -= float64(add)
	b.tokens = min(b.tokens+add, b.burst)
}

func (b *Budget) Consume() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (b *Budget) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
