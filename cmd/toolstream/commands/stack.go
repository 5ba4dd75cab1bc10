package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/config"
	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/server"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/mcpserver/calculator"
	"github.com/opencode-ai/toolstream/pkg/types"
)

const (
	shutdownTimeout      = 30 * time.Second
	tokenCleanupInterval = time.Minute
)

// stack is a wired server: lifecycle bus, credential store, session
// registry, tool host and HTTP transport.
type stack struct {
	bus      *event.Bus
	authn    *auth.Manager
	registry *session.Registry
	host     *mcp.Host
	server   *server.Server
	logger   zerolog.Logger

	// pinnedLevel is set when --log-level overrides the config file.
	pinnedLevel bool
}

func newStack(cfg *types.Config) (*stack, error) {
	authn, err := newAuthManager(cfg.Auth)
	if err != nil {
		return nil, err
	}

	bus := event.NewBusWithLogger(event.NewZerologAdapter(logging.Component("bus")))
	registry := session.NewRegistry(sessionConfig(cfg.Session), authn, bus)
	host := mcp.NewHost(calculator.NewServer())

	return &stack{
		bus:      bus,
		authn:    authn,
		registry: registry,
		host:     host,
		server:   server.New(serverConfig(cfg.Server), registry, host, bus),
		logger:   logging.Component("toolstream"),
	}, nil
}

// run serves on ln until ctx ends, then terminates every session and stops
// the transport. A nil ln listens on the configured address.
func (s *stack) run(ctx context.Context, ln net.Listener, workDir string) error {
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		s.logger.Debug().
			Str("type", string(e.Type)).
			Str("session", e.SessionID).
			Str("channel", e.ChannelID).
			Str("eventID", e.EventID).
			Str("reason", e.Reason).
			Msg("lifecycle")
	})
	defer unsub()

	if workDir != "" {
		watcher, err := config.NewWatcher(workDir, s.reload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("config watcher disabled")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ln != nil {
			return s.server.Serve(ln)
		}
		return s.server.Start()
	})
	g.Go(func() error {
		ticker := time.NewTicker(tokenCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := s.authn.CleanExpired(); n > 0 {
					s.logger.Debug().Int("count", n).Msg("expired tokens removed")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Sessions first: their streams hold handlers open.
		regErr := s.registry.Shutdown(shutdownCtx)
		srvErr := s.server.Shutdown(shutdownCtx)
		busErr := s.bus.Close()
		return errors.Join(regErr, srvErr, busErr)
	})

	return g.Wait()
}

// reload applies a changed configuration. Session tunables and the log level
// take effect immediately; new tokens are granted, existing ones are kept.
// Listen address and retention of existing sessions do not change.
func (s *stack) reload(cfg *types.Config) {
	if !s.pinnedLevel && cfg.Log.Level != "" {
		logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	}
	s.registry.SetConfig(sessionConfig(cfg.Session))
	if err := grantTokens(s.authn, cfg.Auth.Tokens); err != nil {
		s.logger.Warn().Err(err).Msg("tokens not reloaded")
	}
	s.logger.Info().Msg("configuration reloaded")
}

func serverConfig(c types.ServerConfig) *server.Config {
	cfg := server.DefaultConfig()
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	cfg.CORSOrigins = c.CORSOrigins
	if c.HeartbeatInterval.Duration > 0 {
		cfg.HeartbeatInterval = c.HeartbeatInterval.Duration
	}
	cfg.SessionRateLimit = c.SessionRateLimit
	if c.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = c.MaxBodyBytes
	}
	return cfg
}

func sessionConfig(c types.SessionConfig) session.Config {
	cfg := session.DefaultConfig()
	if c.GracePeriod.Duration > 0 {
		cfg.GracePeriod = c.GracePeriod.Duration
	}
	cfg.SendTimeout = c.SendTimeout.Duration
	cfg.AbandonPolicy = session.ParseAbandonPolicy(c.AbandonPolicy)
	if c.ReplayCapacity > 0 {
		cfg.Log.Capacity = c.ReplayCapacity
	}
	if c.ReplayMaxAge.Duration > 0 {
		cfg.Log.MaxAge = c.ReplayMaxAge.Duration
	}
	return cfg
}

func newAuthManager(c types.AuthConfig) (*auth.Manager, error) {
	anonymous := c.Anonymous == nil || *c.Anonymous
	m := auth.NewManager(auth.WithAnonymous(anonymous))
	if err := grantTokens(m, c.Tokens); err != nil {
		return nil, err
	}
	if !anonymous && len(c.Tokens) == 0 {
		return nil, errors.New("auth: anonymous access is disabled but no tokens are configured")
	}
	return m, nil
}

func grantTokens(m *auth.Manager, tokens []types.TokenConfig) error {
	for i, tok := range tokens {
		if tok.Token == "" || tok.Subject == "" {
			return fmt.Errorf("auth: token %d needs both token and subject", i)
		}
		var expires time.Time
		if tok.TTL.Duration > 0 {
			expires = time.Now().Add(tok.TTL.Duration)
		}
		m.Grant(tok.Token, tok.Subject, expires)
	}
	return nil
}
