package api

import (
	"errors"
	"net/http"

	"fusion_api/internal/auth"
)

// requireAuth gates next behind a valid bearer token and puts the claims on
// the request context.
func (h *handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			message := "Unauthorized"
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				status = authErr.Status
				message = authErr.Message
			}
			writeError(w, r, status, message)
			return
		}
		if st := stateFrom(r.Context()); st != nil {
			st.user = claims.Subject
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}
