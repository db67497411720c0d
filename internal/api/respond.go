package api

import (
	"encoding/json"
	"net/http"

	"fusion_api/internal/obs"
)

const contentTypeJSON = "application/json; charset=utf-8"

type errorBody struct {
	Message   string            `json:"message"`
	Issues    map[string]string `json:"issues,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	if requestID := obs.RequestIDFromContext(r.Context()); requestID != "" {
		w.Header().Set(obs.RequestIDHeader, requestID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if st := stateFrom(r.Context()); st != nil && st.errMsg == "" {
		st.errMsg = message
	}
	writeJSON(w, r, status, errorBody{Message: message, RequestID: obs.RequestIDFromContext(r.Context())})
}

func writeIssues(w http.ResponseWriter, r *http.Request, issues map[string]string) {
	if st := stateFrom(r.Context()); st != nil {
		st.errMsg = "Invalid body"
	}
	writeJSON(w, r, http.StatusBadRequest, errorBody{
		Message:   "Invalid body",
		Issues:    issues,
		RequestID: obs.RequestIDFromContext(r.Context()),
	})
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
