package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/awslabs/aws-lambda-go-api-proxy/core"

	"fusion_api/internal/auth"
	"fusion_api/internal/cache"
	"fusion_api/internal/fusion"
	"fusion_api/internal/health"
	"fusion_api/internal/items"
	"fusion_api/internal/openapi"
	"fusion_api/internal/ratelimit"
	"fusion_api/internal/store"
	"fusion_api/internal/upstream"
)

type loginRequest struct {
	Username *string `json:"username" validate:"required"`
	Password *string `json:"password" validate:"required"`
}

// fusionBody is the fused result plus the tier that served it.
type fusionBody struct {
	fusion.Result
	Cache cache.Source `json:"_cache"`
}

func (h *handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil || h.validate.Struct(req) != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid body")
		return
	}
	if h.auth == nil {
		writeError(w, r, http.StatusInternalServerError, "Login failed")
		return
	}
	token, err := h.auth.Login(*req.Username, *req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, r, http.StatusUnauthorized, "Bad credentials")
		return
	}
	if err != nil {
		h.logger.Error("login failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "Login failed")
		return
	}
	if st := stateFrom(r.Context()); st != nil {
		st.user = *req.Username
	}
	writeJSON(w, r, http.StatusOK, token)
}

func (h *handler) handleFusionados(w http.ResponseWriter, r *http.Request) {
	st := stateFrom(r.Context())
	if h.limiter != nil {
		decision := h.limiter.Allow(r.Context(), fusionEndpoint, ratelimit.ClientIP(r))
		if !decision.Allowed {
			st.rateLimited = true
			h.metrics.RecordRateLimited(fusionEndpoint)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
			writeError(w, r, http.StatusTooManyRequests, "Too many requests")
			return
		}
	}

	query := r.URL.Query()
	rawResource := strings.ToLower(strings.TrimSpace(query.Get("resource")))
	if rawResource == "" {
		rawResource = string(upstream.People)
	}
	resource, ok := upstream.ParseResource(rawResource)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "resource must be people or planets")
		return
	}

	outcome, err := h.fusion.Fuse(r.Context(), resource, query.Get("q"))
	if errors.Is(err, fusion.ErrQueryRequired) {
		writeError(w, r, http.StatusBadRequest, "q is required")
		return
	}
	if err != nil {
		h.logger.Error("fusion failed", "resource", resource, "q", query.Get("q"), "err", err)
		st.errMsg = err.Error()
		writeError(w, r, http.StatusInternalServerError, "Upstream failure")
		return
	}

	st.cacheSource = string(outcome.Source)
	st.cacheStatus = strings.ToLower(outcome.Source.Header())
	w.Header().Set("X-Cache", outcome.Source.Header())
	w.Header().Set("X-Cache-Source", string(outcome.Source))
	writeJSON(w, r, outcome.Status, fusionBody{Result: outcome.Result, Cache: outcome.Source})
}

func retryAfterSeconds(d ratelimit.Decision) int {
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (h *handler) handleAlmacenar(w http.ResponseWriter, r *http.Request) {
	var in items.Input
	if err := decodeBody(r, &in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeIssues(w, r, decodeIssues(err))
		return
	}
	item, err := h.items.Create(r.Context(), in)
	var verr *items.ValidationError
	if errors.As(err, &verr) {
		writeIssues(w, r, verr.Issues)
		return
	}
	if err != nil {
		h.logger.Error("store item failed", "err", err)
		writeError(w, r, http.StatusInternalServerError, "Failed to store item")
		return
	}
	h.logger.Info("item stored", "id", item.ID)
	writeJSON(w, r, http.StatusCreated, item)
}

func (h *handler) handleHistorial(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := strconv.Atoi(strings.TrimSpace(query.Get("limit")))
	if err != nil {
		limit = store.DefaultHistoryLimit
	}
	limit = store.ClampHistoryLimit(limit)
	cursor := strings.TrimSpace(query.Get("cursor"))

	page, err := h.history.ListHistory(r.Context(), limit, cursor)
	if err != nil {
		h.logger.Error("history query failed", "limit", limit, "cursor", cursor, "err", err)
		writeError(w, r, http.StatusInternalServerError, "Failed to read history")
		return
	}
	if page.Items == nil {
		page.Items = []store.HistoryRecord{}
	}
	writeJSON(w, r, http.StatusOK, page)
}

// documentBasePath prefers the API Gateway stage of the current event and
// falls back to the configured base path outside Lambda.
func (h *handler) documentBasePath(r *http.Request) string {
	if apiCtx, ok := core.GetAPIGatewayV2ContextFromContext(r.Context()); ok {
		return openapi.BasePathForStage(apiCtx.Stage)
	}
	return h.basePath
}

func (h *handler) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	body, err := openapi.Build(h.documentBasePath(r)).JSON()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to render document")
		return
	}
	writeRaw(w, http.StatusOK, contentTypeJSON, body)
}

func (h *handler) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	body, err := openapi.Build(h.documentBasePath(r)).YAML()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to render document")
		return
	}
	writeRaw(w, http.StatusOK, "application/yaml; charset=utf-8", body)
}

func (h *handler) handleDocs(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, http.StatusOK, "text/html; charset=utf-8", []byte(openapi.DocsHTML()))
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := health.Status{Status: "ok", Durable: health.DurableDisabled}
	if h.health != nil {
		status = h.health.Status()
	}
	writeJSON(w, r, http.StatusOK, status)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return io.EOF
	}
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(out)
}

func decodeIssues(err error) map[string]string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return map[string]string{typeErr.Field: "type"}
	}
	return map[string]string{"body": "json"}
}
