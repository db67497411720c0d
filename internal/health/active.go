package health

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Metrics interface {
	SetDurableUp(up bool)
}

// Prober pings the durable backend on an interval. The durable tier is an
// optimisation, so the overall service stays SERVING while it is down.
type Prober struct {
	cfg     Config
	pinger  Pinger
	server  *health.Server
	metrics Metrics
	logger  *log.Logger
	now     func() time.Time

	mu        sync.RWMutex
	state     DurableState
	failures  int
	successes int
	lastCheck time.Time
	lastErr   string
}

type Option func(*Prober)

func WithMetrics(m Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// NewProber builds a prober for pinger. A nil pinger means the durable tier
// is disabled and nothing is probed.
func NewProber(pinger Pinger, cfg Config, opts ...Option) *Prober {
	p := &Prober{
		cfg:    cfg.withDefaults(),
		pinger: pinger,
		server: health.NewServer(),
		logger: log.New(io.Discard),
		now:    time.Now,
		state:  DurableUnknown,
	}
	for _, opt := range opts {
		opt(p)
	}
	if pinger == nil {
		p.state = DurableDisabled
	}
	p.server.SetServingStatus(ServiceOverall, healthpb.HealthCheckResponse_SERVING)
	p.server.SetServingStatus(ServiceDurable, p.servingStatus())
	return p
}

// Server is the gRPC health implementation kept in sync with the probes.
func (p *Prober) Server() *health.Server {
	return p.server
}

// Run probes once immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	if p.pinger == nil {
		return
	}
	p.ProbeOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

func (p *Prober) ProbeOnce(ctx context.Context) {
	if p.pinger == nil {
		return
	}
	err := p.safePing(ctx)
	p.record(err)
}

func (p *Prober) safePing(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic
		}
	}()
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return p.pinger.Ping(pingCtx)
}

func (p *Prober) record(err error) {
	p.mu.Lock()
	previous := p.state
	p.lastCheck = p.now()
	if err == nil {
		p.failures = 0
		p.successes++
		p.lastErr = ""
		if p.state != DurableUp && p.successes >= p.cfg.HealthyAfterSuccesses {
			p.state = DurableUp
		}
	} else {
		p.successes = 0
		p.failures++
		p.lastErr = err.Error()
		if p.state != DurableDown && p.failures >= p.cfg.UnhealthyAfterFailures {
			p.state = DurableDown
		}
	}
	current := p.state
	p.mu.Unlock()

	if current == previous {
		return
	}
	p.server.SetServingStatus(ServiceDurable, p.servingStatus())
	if p.metrics != nil {
		p.metrics.SetDurableUp(current == DurableUp)
	}
	if current == DurableDown {
		p.logger.Warn("durable tier unreachable", "err", err)
	} else {
		p.logger.Info("durable tier state", "state", current)
	}
}

func (p *Prober) servingStatus() healthpb.HealthCheckResponse_ServingStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch p.state {
	case DurableUp:
		return healthpb.HealthCheckResponse_SERVING
	case DurableDown:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := Status{Status: "ok", Durable: p.state, LastError: p.lastErr}
	if !p.lastCheck.IsZero() {
		status.LastCheck = p.lastCheck.UTC().Format(time.RFC3339)
	}
	if p.state == DurableDown {
		status.Status = "degraded"
	}
	return status
}

// Shutdown flips every service to NOT_SERVING so load balancers stop routing.
func (p *Prober) Shutdown() {
	p.server.Shutdown()
}
