package api

import (
	"context"
	"net/http"
	"time"

	"fusion_api/internal/obs"
	"fusion_api/internal/ratelimit"
)

// requestState collects what the handlers learn about a request for the
// access log line.
type requestState struct {
	route       string
	cacheStatus string
	cacheSource string
	user        string
	errMsg      string
	rateLimited bool
}

type stateKey struct{}

func withState(ctx context.Context, st *requestState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(stateKey{}).(*requestState)
	return st
}

type responseRecorder struct {
	writer       http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{writer: w, status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.writer.Header()
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.writer.WriteHeader(status)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.writer.Write(data)
	r.bytesWritten += int64(n)
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.writer
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := obs.StartTrace(r.Context(), r)
	st := &requestState{}
	ctx = withState(ctx, st)
	r = r.WithContext(ctx)
	w.Header().Set(obs.RequestIDHeader, obs.RequestIDFromContext(ctx))

	rec := newResponseRecorder(w)
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("handler panic", "request_id", obs.RequestIDFromContext(ctx), "panic", p)
			if !rec.wroteHeader {
				writeError(rec, r, http.StatusInternalServerError, "Internal error")
			}
		}
		h.finish(r, rec, st, time.Since(started))
	}()

	h.mux.ServeHTTP(rec, r)
}

func (h *handler) finish(r *http.Request, rec *responseRecorder, st *requestState, elapsed time.Duration) {
	route := st.route
	if route == "" {
		route = "none"
	}
	h.metrics.ObserveRequest(route, rec.status, elapsed)

	var phases map[string]int64
	if trace, ok := obs.TraceFromContext(r.Context()); ok {
		phases = trace.PhasesMS()
	}
	obs.LogAccess(obs.RequestContext{
		RequestID:    obs.RequestIDFromContext(r.Context()),
		Method:       r.Method,
		Path:         r.URL.Path,
		Route:        route,
		Status:       rec.status,
		Duration:     elapsed,
		BytesOut:     rec.bytesWritten,
		CacheStatus:  st.cacheStatus,
		CacheSource:  st.cacheSource,
		ClientIP:     ratelimit.ClientIP(r),
		RateLimited:  st.rateLimited,
		User:         st.user,
		ErrorMessage: st.errMsg,
		UserAgent:    r.UserAgent(),
		TraceParent:  r.Header.Get("traceparent"),
		Phases:       phases,
	})
}
