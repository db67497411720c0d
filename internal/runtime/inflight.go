package runtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// InflightTracker counts requests being served so shutdown can wait for
// the count to reach zero.
type InflightTracker struct {
	count  atomic.Int64
	mu     sync.Mutex
	zeroCh chan struct{}
}

func NewInflightTracker() *InflightTracker {
	zeroCh := make(chan struct{})
	close(zeroCh)
	return &InflightTracker{zeroCh: zeroCh}
}

func (t *InflightTracker) Inc() {
	if t == nil {
		return
	}
	if t.count.Add(1) != 1 {
		return
	}
	t.mu.Lock()
	t.zeroCh = make(chan struct{})
	t.mu.Unlock()
}

func (t *InflightTracker) Dec() {
	if t == nil {
		return
	}
	if t.count.Add(-1) != 0 {
		return
	}
	t.mu.Lock()
	close(t.zeroCh)
	t.mu.Unlock()
}

func (t *InflightTracker) Count() int64 {
	if t == nil {
		return 0
	}
	return t.count.Load()
}

func (t *InflightTracker) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	waitCh := t.zeroCh
	t.mu.Unlock()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track wraps next so every request is counted while it runs.
func (t *InflightTracker) Track(next http.Handler) http.Handler {
	if t == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Inc()
		defer t.Dec()
		next.ServeHTTP(w, r)
	})
}
