// Package breaker is a failure-rate circuit breaker guarding one upstream.
package breaker

import (
	"errors"
	"sync/atomic"
	"time"
)

var ErrOpen = errors.New("circuit open")

type State int32

const (
	StateClosed State = iota + 1
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureRateThresholdPercent int
	MinimumRequests             int
	EvaluationWindow            time.Duration
	OpenDuration                time.Duration
	HalfOpenMaxProbes           int
}

func DefaultConfig() Config {
	return Config{
		FailureRateThresholdPercent: 50,
		MinimumRequests:             5,
		EvaluationWindow:            30 * time.Second,
		OpenDuration:                15 * time.Second,
		HalfOpenMaxProbes:           1,
	}
}

// OnTransition observes state changes, e.g. to export an open gauge.
type OnTransition func(from, to State)

type Breaker struct {
	name          string
	cfg           Config
	now           func() time.Time
	onTransition  OnTransition
	state         atomic.Int32
	reqCount      atomic.Int32
	failCount     atomic.Int32
	windowStart   atomic.Int64
	openUntil     atomic.Int64
	probeInFlight atomic.Int32
	probeSuccess  atomic.Int32
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithTransitionHook(hook OnTransition) Option {
	return func(b *Breaker) { b.onTransition = hook }
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.state.Store(int32(StateClosed))
	b.windowStart.Store(b.now().UnixNano())
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by exactly one Report.
func (b *Breaker) Allow() bool {
	now := b.now()
	state := State(b.state.Load())
	if state == StateClosed {
		return true
	}
	if state == StateOpen {
		if now.UnixNano() < b.openUntil.Load() {
			return false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.resetProbes()
			b.transition(StateOpen, StateHalfOpen)
		}
		state = State(b.state.Load())
	}
	if state == StateHalfOpen {
		maxProbes := b.cfg.HalfOpenMaxProbes
		if maxProbes <= 0 {
			maxProbes = 1
		}
		if b.probeInFlight.Add(1) > int32(maxProbes) {
			b.probeInFlight.Add(-1)
			return false
		}
		return true
	}
	return true
}

func (b *Breaker) Report(success bool) {
	now := b.now()
	switch State(b.state.Load()) {
	case StateClosed:
		b.rotateWindow(now)
		b.reqCount.Add(1)
		if !success {
			b.failCount.Add(1)
		}
		b.maybeOpen(now)
	case StateHalfOpen:
		if b.probeInFlight.Load() > 0 {
			b.probeInFlight.Add(-1)
		}
		if !success {
			b.open(now, StateHalfOpen)
			return
		}
		if int(b.probeSuccess.Add(1)) >= max(b.cfg.HalfOpenMaxProbes, 1) {
			b.close(now)
		}
	}
}

func (b *Breaker) rotateWindow(now time.Time) {
	window := b.cfg.EvaluationWindow
	if window <= 0 {
		window = time.Second
	}
	start := b.windowStart.Load()
	if now.Sub(time.Unix(0, start)) > window {
		if b.windowStart.CompareAndSwap(start, now.UnixNano()) {
			b.reqCount.Store(0)
			b.failCount.Store(0)
		}
	}
}

func (b *Breaker) maybeOpen(now time.Time) {
	reqCount := int(b.reqCount.Load())
	if reqCount == 0 || reqCount < max(b.cfg.MinimumRequests, 1) {
		return
	}
	threshold := b.cfg.FailureRateThresholdPercent
	if threshold <= 0 {
		return
	}
	if int(b.failCount.Load())*100/reqCount >= threshold {
		b.open(now, StateClosed)
	}
}

func (b *Breaker) open(now time.Time, from State) {
	openFor := b.cfg.OpenDuration
	if openFor <= 0 {
		openFor = time.Second
	}
	b.openUntil.Store(now.Add(openFor).UnixNano())
	if b.state.CompareAndSwap(int32(from), int32(StateOpen)) {
		b.transition(from, StateOpen)
	}
}

func (b *Breaker) close(now time.Time) {
	b.state.Store(int32(StateClosed))
	b.windowStart.Store(now.UnixNano())
	b.reqCount.Store(0)
	b.failCount.Store(0)
	b.resetProbes()
	b.transition(StateHalfOpen, StateClosed)
}

func (b *Breaker) resetProbes() {
	b.probeInFlight.Store(0)
	b.probeSuccess.Store(0)
}

func (b *Breaker) transition(from, to State) {
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
