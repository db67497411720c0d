package obs

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

type TraceContext struct {
	RequestID   string
	TraceParent string
	TraceState  string
	started     time.Time
	mu          sync.Mutex
	phases      map[string]time.Duration
}

type traceKey struct{}

// StartTrace attaches a TraceContext to ctx. An inbound X-Request-Id is kept,
// otherwise a fresh one is generated.
func StartTrace(ctx context.Context, req *http.Request) context.Context {
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}
	trace := &TraceContext{
		RequestID:   requestID,
		TraceParent: req.Header.Get("traceparent"),
		TraceState:  req.Header.Get("tracestate"),
		started:     time.Now(),
		phases:      make(map[string]time.Duration),
	}
	return context.WithValue(ctx, traceKey{}, trace)
}

func TraceFromContext(ctx context.Context) (*TraceContext, bool) {
	trace, ok := ctx.Value(traceKey{}).(*TraceContext)
	return trace, ok
}

func RequestIDFromContext(ctx context.Context) string {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return ""
	}
	return trace.RequestID
}

// InjectTraceHeaders forwards trace headers and the request id on outbound calls.
func InjectTraceHeaders(req *http.Request, ctx context.Context) {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return
	}
	if trace.TraceParent != "" {
		req.Header.Set("traceparent", trace.TraceParent)
	}
	if trace.TraceState != "" {
		req.Header.Set("tracestate", trace.TraceState)
	}
	if trace.RequestID != "" {
		req.Header.Set(RequestIDHeader, trace.RequestID)
	}
}

// MarkPhase records how long into the request the named phase finished.
func MarkPhase(ctx context.Context, name string) {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return
	}
	trace.mu.Lock()
	defer trace.mu.Unlock()
	trace.phases[name] = time.Since(trace.started)
}

func (t *TraceContext) PhasesMS() map[string]int64 {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.phases) == 0 {
		return nil
	}
	out := make(map[string]int64, len(t.phases))
	for name, elapsed := range t.phases {
		out[name] = elapsed.Milliseconds()
	}
	return out
}
