package bench

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fusion_api/internal/api"
	"fusion_api/internal/cache"
	"fusion_api/internal/fusion"
	"fusion_api/internal/obs"
	"fusion_api/internal/ratelimit"
	"fusion_api/internal/store/memstore"
	"fusion_api/internal/testutil"
	"fusion_api/internal/upstream"
)

func startUpstreams(b *testing.B) (swapiURL, wikiURL string) {
	b.Helper()
	swapi := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		testutil.WriteJSON(w, http.StatusOK, `{"count":1,"results":[{"name":"Luke Skywalker","height":"172"}]}`)
	}))
	wiki := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		testutil.WriteJSON(w, http.StatusOK, `{"title":"Luke Skywalker","extract":"Jedi."}`)
	}))
	b.Cleanup(swapi.Close)
	b.Cleanup(wiki.Close)
	return swapi.URL, wiki.URL
}

func newFusionService(b *testing.B) *fusion.Service {
	b.Helper()
	swapiURL, wikiURL := startUpstreams(b)
	return fusion.New(fusion.Config{
		Cache:        cache.New(cache.NewMemory[fusion.Result](), cache.Config{Coalesce: true}),
		Catalog:      upstream.NewSWAPI(upstream.Options{BaseURL: swapiURL, Timeout: time.Second}),
		Encyclopedia: upstream.NewWikipedia(upstream.Options{BaseURL: wikiURL, Timeout: time.Second}),
		History:      memstore.New(),
	})
}

func startBenchmarkAPI(b *testing.B) (*httptest.Server, *http.Client) {
	b.Helper()
	previous := obs.SetAccessLogOutput(io.Discard)
	b.Cleanup(func() { obs.SetAccessLogOutput(previous) })

	handler := api.NewHandler(api.HandlerConfig{
		Fusion:  newFusionService(b),
		History: memstore.New(),
		Limiter: ratelimit.NewLocal(ratelimit.Config{Limit: 1 << 30}),
		Metrics: obs.NewMetrics(),
	})
	server := httptest.NewServer(handler)
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	b.Cleanup(func() {
		client.CloseIdleConnections()
		server.Close()
	})
	return server, client
}

func fetch(b *testing.B, client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		b.Fatalf("request: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
