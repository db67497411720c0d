// Package api is the HTTP surface: routing, auth and rate-limit gates, and
// the JSON response conventions shared by every endpoint.
package api

import (
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"

	"fusion_api/internal/auth"
	"fusion_api/internal/fusion"
	"fusion_api/internal/health"
	"fusion_api/internal/items"
	"fusion_api/internal/obs"
	"fusion_api/internal/ratelimit"
	"fusion_api/internal/store"
)

const fusionEndpoint = "fusionados"

type HandlerConfig struct {
	Fusion  *fusion.Service
	Auth    *auth.Authenticator
	Items   *items.Service
	History store.HistoryTable
	Limiter ratelimit.Limiter
	Health  *health.Prober
	Metrics *obs.Metrics
	Logger  *log.Logger
	// BasePath is advertised as servers[0] in the API document when the
	// request carries no stage of its own.
	BasePath string
}

type handler struct {
	fusion   *fusion.Service
	auth     *auth.Authenticator
	items    *items.Service
	history  store.HistoryTable
	limiter  ratelimit.Limiter
	health   *health.Prober
	metrics  *obs.Metrics
	logger   *log.Logger
	basePath string
	validate *validator.Validate
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		fusion:   cfg.Fusion,
		auth:     cfg.Auth,
		items:    cfg.Items,
		history:  cfg.History,
		limiter:  cfg.Limiter,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		basePath: cfg.BasePath,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if h.logger == nil {
		h.logger = log.New(io.Discard)
	}

	mux := http.NewServeMux()
	h.route(mux, "POST /auth/login", "auth.login", h.handleLogin)
	h.route(mux, "GET /fusionados", "fusionados", h.handleFusionados)
	h.route(mux, "POST /almacenar", "almacenar", h.requireAuth(h.handleAlmacenar))
	h.route(mux, "GET /historial", "historial", h.requireAuth(h.handleHistorial))
	h.route(mux, "GET /openapi.json", "openapi", h.handleOpenAPIJSON)
	h.route(mux, "GET /openapi.yaml", "openapi", h.handleOpenAPIYAML)
	h.route(mux, "GET /docs", "docs", h.handleDocs)
	h.route(mux, "GET /healthz", "healthz", h.handleHealth)
	if h.metrics != nil {
		h.route(mux, "GET /metrics", "metrics", h.metrics.Handler().ServeHTTP)
	}
	h.route(mux, "/", "none", h.handleNotFound)
	h.mux = mux
	return h
}

func (h *handler) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if st := stateFrom(r.Context()); st != nil {
			st.route = name
		}
		fn(w, r)
	})
}

func (h *handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "Not found")
}
