package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultReapInterval = time.Minute
	defaultIdleTTL      = 10 * time.Minute
)

// Local keeps one token bucket per (endpoint, client) in process memory. It
// refills Limit tokens per Window with a burst of Limit.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	every   rate.Limit
	lastGC  time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocal(cfg Config) *Local {
	cfg = cfg.withDefaults()
	return &Local{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		every:   rate.Every(cfg.Window / time.Duration(cfg.Limit)),
		lastGC:  cfg.Clock(),
	}
}

func (l *Local) Allow(_ context.Context, endpoint, client string) Decision {
	now := l.cfg.Clock()
	key := endpoint + "#" + client

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reap(now)

	b := l.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.cfg.Limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	reservation := b.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true, Count: l.cfg.Limit - int(b.limiter.TokensAt(now))}
}

func (l *Local) reap(now time.Time) {
	if now.Sub(l.lastGC) < defaultReapInterval {
		return
	}
	l.lastGC = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > defaultIdleTTL {
			delete(l.buckets, key)
		}
	}
}
