package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fusion_api/internal/api"
	"fusion_api/internal/auth"
	"fusion_api/internal/cache"
	"fusion_api/internal/fusion"
	"fusion_api/internal/health"
	"fusion_api/internal/items"
	"fusion_api/internal/limits"
	"fusion_api/internal/obs"
	"fusion_api/internal/ratelimit"
	"fusion_api/internal/runtime"
	"fusion_api/internal/server"
	"fusion_api/internal/store"
	"fusion_api/internal/store/memstore"
	"fusion_api/internal/testutil"
	"fusion_api/internal/upstream"
)

type stackOptions struct {
	// backend is the durable tier; nil keeps everything in process memory.
	backend     store.Backend
	swapi       http.Handler
	wiki        http.Handler
	limit       int
	maxAttempts int
	bodyLimit   int64
	shutdown    runtime.ShutdownConfig
}

type stack struct {
	addr     string
	server   *server.Server
	metrics  *obs.Metrics
	auth     *auth.Authenticator
	swapi    *testutil.CountingHandler
	inflight *runtime.InflightTracker
}

func startStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	if opts.swapi == nil {
		opts.swapi = catalogHandler(0)
	}
	if opts.wiki == nil {
		opts.wiki = encyclopediaHandler()
	}
	if opts.limit == 0 {
		opts.limit = 1000
	}
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 1
	}
	if opts.shutdown == (runtime.ShutdownConfig{}) {
		opts.shutdown = runtime.ShutdownConfig{Drain: time.Millisecond, GracefulTimeout: 2 * time.Second, ForceClose: time.Millisecond}
	}

	swapi := &testutil.CountingHandler{Next: opts.swapi}
	swapiURL := testutil.StartUpstream(t, swapi)
	wikiURL := testutil.StartUpstream(t, opts.wiki)

	metrics := obs.NewMetrics()
	local := memstore.New()
	var (
		durable cache.Durable
		history store.HistoryTable = local
		itemTab store.ItemTable    = local
		limiter ratelimit.Limiter  = ratelimit.NewLocal(ratelimit.Config{Limit: opts.limit})
		pinger  health.Pinger
	)
	if opts.backend != nil {
		durable = opts.backend
		history = opts.backend
		itemTab = opts.backend
		pinger = opts.backend
		limiter = ratelimit.NewDurable(opts.backend, ratelimit.Config{Limit: opts.limit})
	}

	upstreamOpts := func(baseURL string) upstream.Options {
		return upstream.Options{BaseURL: baseURL, Timeout: time.Second, MaxAttempts: opts.maxAttempts, Metrics: metrics}
	}
	svc := fusion.New(fusion.Config{
		Cache:        cache.New(cache.NewMemory[fusion.Result](), cache.Config{Durable: durable, Coalesce: true, Metrics: metrics}),
		Catalog:      upstream.NewSWAPI(upstreamOpts(swapiURL)),
		Encyclopedia: upstream.NewWikipedia(upstreamOpts(wikiURL)),
		History:      history,
		Metrics:      metrics,
	})
	authenticator, err := auth.NewAuthenticator(auth.Config{Secret: "integration", Username: "admin", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	handler := api.NewHandler(api.HandlerConfig{
		Fusion:  svc,
		Auth:    authenticator,
		Items:   items.NewService(itemTab),
		History: history,
		Limiter: limiter,
		Health:  health.NewProber(pinger, health.Config{}),
		Metrics: metrics,
	})

	limitConfig := limits.Default()
	if opts.bodyLimit > 0 {
		limitConfig.MaxBodyBytes = opts.bodyLimit
	}
	inflight := runtime.NewInflightTracker()
	srv, err := server.Start(handler, "127.0.0.1:0", server.Options{
		Limits:   limitConfig,
		Shutdown: opts.shutdown,
		Inflight: inflight,
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &stack{addr: srv.Addr, server: srv, metrics: metrics, auth: authenticator, swapi: swapi, inflight: inflight}
}

// catalogHandler answers SWAPI searches for luke and leia after delay.
func catalogHandler(delay time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		switch strings.ToLower(r.URL.Query().Get("search")) {
		case "luke":
			testutil.WriteJSON(w, http.StatusOK, `{"count":1,"results":[{"name":"Luke Skywalker","height":"172"}]}`)
		case "leia":
			testutil.WriteJSON(w, http.StatusOK, `{"count":1,"results":[{"name":"Leia Organa","height":"150"}]}`)
		default:
			testutil.WriteJSON(w, http.StatusOK, `{"count":0,"results":[]}`)
		}
	})
}

func encyclopediaHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title := strings.TrimPrefix(r.URL.Path, "/api/rest_v1/page/summary/")
		testutil.WriteJSON(w, http.StatusOK, `{"title":"`+title+`","extract":"From the encyclopedia."}`)
	})
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) json(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(r.body, &out); err != nil {
		t.Fatalf("decode %q: %v", r.body, err)
	}
	return out
}

func send(t *testing.T, method, url, token string, body []byte) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: data}
}

func (s *stack) get(t *testing.T, path string) response {
	t.Helper()
	return send(t, http.MethodGet, "http://"+s.addr+path, "", nil)
}

func (s *stack) token(t *testing.T) string {
	t.Helper()
	token, err := s.auth.Sign("admin", []string{"user"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

// lockedBuffer collects access log lines written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	trimmed := strings.TrimSpace(b.buf.String())
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func silenceAccessLog(t *testing.T) {
	t.Helper()
	previous := obs.SetAccessLogOutput(io.Discard)
	t.Cleanup(func() { obs.SetAccessLogOutput(previous) })
}

// flakyHandler fails the first n calls with status, then defers to next.
func flakyHandler(n int32, status int, next http.Handler) http.Handler {
	var calls atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
