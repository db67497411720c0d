package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/charmbracelet/log"

	"fusion_api/internal/config"
	"fusion_api/internal/obs"
	"fusion_api/internal/testutil"
)

func fakeUpstreams(t *testing.T) (swapiURL string, wikiURL string, swapi *testutil.CountingHandler) {
	t.Helper()
	swapi = &testutil.CountingHandler{Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.URL.Query().Get("search"), "luke") {
			testutil.WriteJSON(w, http.StatusOK, `{"count":1,"results":[{"name":"Luke Skywalker","height":"172"}]}`)
			return
		}
		testutil.WriteJSON(w, http.StatusOK, `{"count":0,"results":[]}`)
	})}
	wiki := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, http.StatusOK, `{"title":"Luke Skywalker","extract":"Fictional Jedi."}`)
	})
	return testutil.StartUpstream(t, swapi), testutil.StartUpstream(t, wiki), swapi
}

func testConfig(t *testing.T, environ map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(environ)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func get(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestOfflineAppUsesMemoryOnly(t *testing.T) {
	previous := obs.SetAccessLogOutput(io.Discard)
	defer obs.SetAccessLogOutput(previous)
	swapiURL, wikiURL, _ := fakeUpstreams(t)

	cfg := testConfig(t, map[string]string{
		"IS_OFFLINE":         "true",
		"CACHE_TABLE":        "cache",
		"SWAPI_BASE_URL":     swapiURL,
		"WIKIPEDIA_BASE_URL": wikiURL,
	})
	a, err := buildApp(context.Background(), cfg, log.New(io.Discard), "")
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close(log.New(io.Discard))
	if a.backend != nil {
		t.Fatalf("expected no durable backend offline")
	}

	for i := 0; i < 2; i++ {
		rec := get(t, a.handler, "/fusionados?q=luke")
		if rec.Code != http.StatusOK || rec.Header().Get("X-Cache-Source") != "MISS" {
			t.Fatalf("request %d: expected 200 MISS offline, got %d %s", i+1, rec.Code, rec.Header().Get("X-Cache-Source"))
		}
	}
	rec := get(t, a.handler, "/healthz")
	if !strings.Contains(rec.Body.String(), `"durable":"disabled"`) {
		t.Fatalf("unexpected health %s", rec.Body.String())
	}
}

func TestSQLiteBackendSharedAcrossInstances(t *testing.T) {
	previous := obs.SetAccessLogOutput(io.Discard)
	defer obs.SetAccessLogOutput(previous)
	swapiURL, wikiURL, swapi := fakeUpstreams(t)

	environ := map[string]string{
		"STORE_DRIVER":       "sqlite",
		"SQLITE_PATH":        filepath.Join(t.TempDir(), "fusion.db"),
		"CACHE_TABLE":        "cache",
		"SWAPI_BASE_URL":     swapiURL,
		"WIKIPEDIA_BASE_URL": wikiURL,
		"AUTH_USERNAME":      "admin",
		"AUTH_PASSWORD":      "pw",
	}
	first, err := buildApp(context.Background(), testConfig(t, environ), log.New(io.Discard), "")
	if err != nil {
		t.Fatalf("build first app: %v", err)
	}
	defer first.Close(log.New(io.Discard))
	second, err := buildApp(context.Background(), testConfig(t, environ), log.New(io.Discard), "")
	if err != nil {
		t.Fatalf("build second app: %v", err)
	}
	defer second.Close(log.New(io.Discard))

	if rec := get(t, first.handler, "/fusionados?q=Luke"); rec.Header().Get("X-Cache-Source") != "MISS" {
		t.Fatalf("expected first lookup to miss, got %s", rec.Header().Get("X-Cache-Source"))
	}
	rec := get(t, second.handler, "/fusionados?q=luke")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache-Source") != "DURABLE" {
		t.Fatalf("expected durable hit on the second instance, got %d %s", rec.Code, rec.Header().Get("X-Cache-Source"))
	}
	if swapi.Count() != 1 {
		t.Fatalf("expected one catalog fetch, got %d", swapi.Count())
	}

	login := httptest.NewRecorder()
	second.handler.ServeHTTP(login, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"admin","password":"pw"}`)))
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(login.Body.Bytes(), &token); err != nil || token.AccessToken == "" {
		t.Fatalf("login: %d %s", login.Code, login.Body.String())
	}
	req := httptest.NewRequest(http.MethodGet, "/historial", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	history := httptest.NewRecorder()
	second.handler.ServeHTTP(history, req)
	var page struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(history.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected both lookups in shared history, got %d", len(page.Items))
	}
}

func TestOpenAPICommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"openapi", "--format", "yaml", "--base-path", "/prod"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "url: /prod") {
		t.Fatalf("expected base path in yaml, got %s", out.String())
	}

	rootCmd.SetArgs([]string{"openapi", "--format", "xml"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func invokeLambda(t *testing.T, proxy func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error), method, path, token, body string) events.APIGatewayV2HTTPResponse {
	t.Helper()
	req := events.APIGatewayV2HTTPRequest{
		Version:  "2.0",
		RawPath:  path,
		Headers:  map[string]string{"content-type": "application/json"},
		Body:     body,
		RouteKey: "$default",
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			Stage: "dev",
			HTTP:  events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: method, Path: path},
		},
	}
	if token != "" {
		req.Headers["authorization"] = "Bearer " + token
	}
	resp, err := proxy(context.Background(), req)
	if err != nil {
		t.Fatalf("invoke %s %s: %v", method, path, err)
	}
	return resp
}

func TestLambdaAdapterAppliesLimitsAndProbes(t *testing.T) {
	previous := obs.SetAccessLogOutput(io.Discard)
	defer obs.SetAccessLogOutput(previous)
	swapiURL, wikiURL, _ := fakeUpstreams(t)

	cfg := testConfig(t, map[string]string{
		"STORE_DRIVER":          "sqlite",
		"SQLITE_PATH":           filepath.Join(t.TempDir(), "fusion.db"),
		"CACHE_TABLE":           "cache",
		"SWAPI_BASE_URL":        swapiURL,
		"WIKIPEDIA_BASE_URL":    wikiURL,
		"AUTH_USERNAME":         "admin",
		"AUTH_PASSWORD":         "pw",
		"SERVER_MAX_BODY_BYTES": "256",
	})
	a, err := buildApp(context.Background(), cfg, log.New(io.Discard), "")
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close(log.New(io.Discard))

	adapter, err := newLambdaAdapter(context.Background(), a, cfg, "")
	if err != nil {
		t.Fatalf("lambda adapter: %v", err)
	}

	health := invokeLambda(t, adapter.ProxyWithContext, http.MethodGet, "/healthz", "", "")
	if !strings.Contains(health.Body, `"durable":"up"`) {
		t.Fatalf("expected probed durable status at cold start, got %s", health.Body)
	}

	login := invokeLambda(t, adapter.ProxyWithContext, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"pw"}`)
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(login.Body), &token); err != nil || token.AccessToken == "" {
		t.Fatalf("login: %d %s", login.StatusCode, login.Body)
	}

	big := `{"name":"big","notes":"` + strings.Repeat("x", 1024) + `"}`
	resp := invokeLambda(t, adapter.ProxyWithContext, http.MethodPost, "/almacenar", token.AccessToken, big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 through the lambda adapter, got %d %s", resp.StatusCode, resp.Body)
	}
	resp = invokeLambda(t, adapter.ProxyWithContext, http.MethodPost, "/almacenar", token.AccessToken, `{"name":"small"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", resp.StatusCode, resp.Body)
	}
}
