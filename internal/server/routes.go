package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	// MCP streamable transport
	r.Route("/mcp", func(r chi.Router) {
		r.Use(s.limitSessionCreation)
		r.Get("/", s.mcpStream)
		r.Post("/", s.mcpPost)
		r.Delete("/", s.mcpDelete)
	})

	// WebSocket transport
	r.With(s.limitSessionCreation).Get("/ws", s.wsStream)

	// Session inspection
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/notify", s.notifySession)
			r.Get("/channel/{channelID}/events", s.channelEvents)
		})
	})

	// Lifecycle event streaming (SSE)
	r.Get("/global/event", s.globalEvents)
}

// limitSessionCreation rate limits requests that would create a session.
// Requests for an existing session pass through.
func (s *Server) limitSessionCreation(next http.Handler) http.Handler {
	if s.config.SessionRateLimit <= 0 {
		return next
	}
	limited := httprate.Limit(
		s.config.SessionRateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many new sessions, try again later")
		}),
	)(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionIDFrom(r) != "" {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}
