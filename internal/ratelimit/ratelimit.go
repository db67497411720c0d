// Package ratelimit enforces per-endpoint, per-client request quotas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"fusion_api/internal/store"
)

const defaultWindow = time.Minute

// Decision is the outcome of one Allow call. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Count      int
}

type Limiter interface {
	Allow(ctx context.Context, endpoint, client string) Decision
}

type Config struct {
	Limit  int
	Window time.Duration
	Logger *log.Logger
	Clock  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 30
	}
	if c.Window < time.Second {
		c.Window = defaultWindow
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Durable counts requests in fixed windows with a conditional increment in
// the shared table, so the quota holds across instances.
type Durable struct {
	counter store.Counter
	cfg     Config
}

func NewDurable(counter store.Counter, cfg Config) *Durable {
	return &Durable{counter: counter, cfg: cfg.withDefaults()}
}

func WindowKey(endpoint, client string, windowStart int64) string {
	return fmt.Sprintf("ratelimit#%s#%s#%d", endpoint, client, windowStart)
}

// Allow fails open when the counter store is unreachable.
func (d *Durable) Allow(ctx context.Context, endpoint, client string) Decision {
	windowSec := int64(d.cfg.Window / time.Second)
	now := d.cfg.Clock().Unix()
	windowStart := now - now%windowSec

	count, err := d.counter.IncrementWindow(ctx, store.Window{
		Key:       WindowKey(endpoint, client, windowStart),
		Limit:     d.cfg.Limit,
		ExpiresAt: windowStart + windowSec + 5,
	})
	if errors.Is(err, store.ErrLimitExceeded) {
		retryAfter := time.Duration(windowStart+windowSec-now) * time.Second
		return Decision{Allowed: false, RetryAfter: retryAfter, Count: d.cfg.Limit}
	}
	if err != nil {
		d.cfg.Logger.Warn("rate limit counter unavailable, allowing request", "endpoint", endpoint, "client", client, "err", err)
		return Decision{Allowed: true}
	}
	return Decision{Allowed: true, Count: count}
}

// ClientIP prefers the first X-Forwarded-For hop over the socket address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}
