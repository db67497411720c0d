package integration

import (
	"net/http"
	"strings"
	"testing"
)

func TestOversizedBodyRejected(t *testing.T) {
	silenceAccessLog(t)
	s := startStack(t, stackOptions{bodyLimit: 256})
	token := s.token(t)

	body := []byte(`{"name":"big","notes":"` + strings.Repeat("x", 1024) + `"}`)
	resp := send(t, http.MethodPost, "http://"+s.addr+"/almacenar", token, body)
	if resp.status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", resp.status, resp.body)
	}

	resp = send(t, http.MethodPost, "http://"+s.addr+"/almacenar", token, []byte(`{"name":"small"}`))
	if resp.status != http.StatusCreated {
		t.Fatalf("expected small body accepted, got %d %s", resp.status, resp.body)
	}
}
