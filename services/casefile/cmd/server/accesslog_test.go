package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/accordsai/caselane/pkg/authn"

	"github.com/go-chi/chi/v5"
)

func TestAccessLogHashesPortalToken(t *testing.T) {
	var buf bytes.Buffer
	s := &server{log: slog.New(slog.NewTextHandler(&buf, nil))}
	r := chi.NewRouter()
	r.Use(s.accessLog)
	r.Get("/portal/cases/{token}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	const token = "0123456789abcdef0123456789abcdef"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/portal/cases/"+token, nil))

	line := buf.String()
	if strings.Contains(line, token) {
		t.Fatalf("token leaked into access log: %s", line)
	}
	if !strings.Contains(line, "route=/portal/cases/{token}") {
		t.Fatalf("expected route pattern, got %s", line)
	}
	if !strings.Contains(line, "token_hash="+authn.HashToken(token)[:16]) {
		t.Fatalf("expected token hash, got %s", line)
	}
}
