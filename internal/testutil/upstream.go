package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// StartUpstream serves handler on a loopback listener until the test ends and
// returns its base URL.
func StartUpstream(t *testing.T, handler http.Handler) string {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

// CountingHandler wraps next and counts the requests it sees.
type CountingHandler struct {
	Next  http.Handler
	count atomic.Int64
}

func (h *CountingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.count.Add(1)
	h.Next.ServeHTTP(w, r)
}

func (h *CountingHandler) Count() int {
	return int(h.count.Load())
}

func WriteJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
