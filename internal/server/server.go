package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Host              string
	Port              int
	CORSOrigins       []string
	HeartbeatInterval time.Duration
	// SessionRateLimit caps session creations per client IP per minute.
	SessionRateLimit int
	MaxBodyBytes     int64
	ReadTimeout      time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              4096,
		HeartbeatInterval: 15 * time.Second,
		SessionRateLimit:  60,
		MaxBodyBytes:      4 << 20,
		ReadTimeout:       30 * time.Second,
	}
}

// Server is the HTTP transport in front of the session registry.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	registry *session.Registry
	host     *mcp.Host
	bus      *event.Bus
	logger   zerolog.Logger

	connSeq atomic.Uint64
}

// New creates a new Server instance. bus may be nil, in which case
// /global/event streams nothing.
func New(cfg *Config, reg *session.Registry, host *mcp.Host, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = SSEHeartbeatInterval
	}

	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		registry: reg,
		host:     host,
		bus:      bus,
		logger:   logging.Component("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:        s.Addr(),
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// Streams are long-lived; each write carries its own deadline.
		WriteTimeout: 0,
	}

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	origins := s.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Request-ID",
			types.HeaderSessionID, types.HeaderLastEventID,
		},
		ExposedHeaders:   []string{"X-Request-ID", types.HeaderSessionID, types.HeaderChannelID},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// Start starts the HTTP server. It returns nil after Shutdown, even when
// Shutdown ran first.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Shutdown stops accepting requests and waits for handlers. Streams stay
// open until their sessions close them, so terminate the registry first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// nextConnID names a transport connection.
func (s *Server) nextConnID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, s.connSeq.Add(1))
}

// credentials extracts a bearer token from the Authorization header or, for
// EventSource clients that cannot set headers, the token query parameter.
func credentials(r *http.Request) auth.Credentials {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return auth.Credentials{Token: strings.TrimSpace(token)}
		}
	}
	return auth.Credentials{Token: r.URL.Query().Get("token")}
}

// sessionIDFrom reads the session id header or query parameter.
func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get(types.HeaderSessionID); id != "" {
		return id
	}
	return r.URL.Query().Get("sessionId")
}

// lastEventIDFrom reads the resume position. EventSource sends the header on
// automatic reconnects; the query form serves clients that build URLs.
func lastEventIDFrom(r *http.Request) string {
	if id := r.Header.Get(types.HeaderLastEventID); id != "" {
		return id
	}
	return r.URL.Query().Get("lastEventId")
}
