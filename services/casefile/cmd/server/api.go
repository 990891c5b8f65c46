package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/accordsai/caselane/pkg/authn"
	"github.com/accordsai/caselane/pkg/httpx"
	"github.com/accordsai/caselane/services/casefile/internal/app"
	"github.com/accordsai/caselane/services/casefile/internal/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type server struct {
	app       *app.App
	log       *slog.Logger
	agents    *authn.Verifier
	portal    *fixedWindowLimiter
	maxUpload int64
}

func newServer(a *app.App) *server {
	return &server{
		app:       a,
		log:       a.Log,
		agents:    authn.NewVerifier(a.Config.AgentAPIToken),
		portal:    newFixedWindowLimiter(a.Config.PortalRatePerMinute, time.Minute),
		maxUpload: a.Config.MaxUploadBytes,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))

	r.Route("/portal/cases/{token}", func(p chi.Router) {
		p.Use(s.portal.middleware)
		p.Get("/", s.getPortalCase)
		p.Post("/documents", s.uploadDocument)
		p.Post("/signature:apply", s.applySignature)
		p.Get("/signatures", s.listSignatures)
		p.Post("/signatures", s.createSignature)
		p.Put("/signatures/{signature_id}", s.updateSignature)
		p.Delete("/signatures/{signature_id}", s.deleteSignature)
	})

	r.Route("/agent", func(ag chi.Router) {
		ag.Use(s.requireAgent)
		ag.Post("/cases", s.createCase)
		ag.Get("/cases/pending", s.listPending)
		ag.Post("/cases/{case_id}/transitions", s.transitionCase)
		ag.Post("/cases/{case_id}/reminders", s.recordReminder)
		ag.Get("/cases/{case_id}/archive", s.downloadArchive)
		ag.Get("/cases/{case_id}/events", s.listEvents)
	})
	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// Portal paths carry the case token; only the route pattern and a
		// token hash are logged.
		route := r.URL.Path
		var tokenHash string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			if tok := rc.URLParam("token"); tok != "" {
				tokenHash = authn.HashToken(tok)[:16]
			}
		}
		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if tokenHash != "" {
			attrs = append(attrs, "token_hash", tokenHash)
		}
		s.log.InfoContext(r.Context(), "http request", attrs...)
	})
}

type agentKey struct{}

func (s *server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.agents.AuthenticateAgentBearer(r.Header.Get("Authorization"), r.Header.Get("X-Agent-ID"))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "valid agent bearer token required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey{}, id)))
	})
}

func agentFrom(ctx context.Context) *authn.AgentIdentity {
	id, _ := ctx.Value(agentKey{}).(*authn.AgentIdentity)
	if id == nil {
		return &authn.AgentIdentity{ActorID: "agent"}
	}
	return id
}

// handleIdempotentMutation replays a stored response for a repeated
// Idempotency-Key and otherwise runs the mutation, saving successful
// responses for later replays.
func (s *server) handleIdempotentMutation(w http.ResponseWriter, r *http.Request, sc idempotency.Scope, endpoint string, run func() (int, map[string]any, error)) {
	status, body, found, err := idempotency.Replay(r.Context(), s.app.Repo, sc, endpoint)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "DB_ERROR", "idempotency lookup failed", nil)
		return
	}
	if found {
		httpx.WriteJSON(w, status, body)
		return
	}

	status, body, err = run()
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	if err := idempotency.Save(r.Context(), s.app.Repo, sc, endpoint, status, body); err != nil {
		s.log.WarnContext(r.Context(), "idempotency save failed", "endpoint", endpoint, "err", err)
	}
	httpx.WriteJSON(w, status, body)
}

func badJSON(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
}
