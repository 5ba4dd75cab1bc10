package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/server"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/mcpserver/calculator"
)

// TestServer wraps a server instance for testing
type TestServer struct {
	Server   *server.Server
	Registry *session.Registry
	Auth     *auth.Manager
	Bus      *event.Bus
	BaseURL  string

	done chan error
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile   string
	session   session.Config
	server    *server.Config
	anonymous bool
	tokens    map[string]string
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithSessionConfig adjusts the session layer configuration.
func WithSessionConfig(fn func(*session.Config)) TestServerOption {
	return func(c *testServerConfig) {
		fn(&c.session)
	}
}

// WithHeartbeat sets the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) TestServerOption {
	return func(c *testServerConfig) {
		c.server.HeartbeatInterval = d
	}
}

// WithTokens disables anonymous access and provisions token -> subject.
func WithTokens(tokens map[string]string) TestServerOption {
	return func(c *testServerConfig) {
		c.anonymous = false
		c.tokens = tokens
	}
}

// StartTestServer creates and starts a test server
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	srvCfg := server.DefaultConfig()
	srvCfg.SessionRateLimit = 0
	cfg := &testServerConfig{
		session:   session.DefaultConfig(),
		server:    srvCfg,
		anonymous: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// Load environment variables
	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		// Try default locations
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
		_ = godotenv.Load(".env")
	}

	authn := auth.NewManager(auth.WithAnonymous(cfg.anonymous))
	for token, subject := range cfg.tokens {
		authn.Grant(token, subject, time.Time{})
	}

	bus := event.NewBus()
	reg := session.NewRegistry(cfg.session, authn, bus)
	srv := server.New(cfg.server, reg, mcp.NewHost(calculator.NewServer()), bus)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	ts := &TestServer{
		Server:   srv,
		Registry: reg,
		Auth:     authn,
		Bus:      bus,
		BaseURL:  "http://" + ln.Addr().String(),
		done:     make(chan error, 1),
	}

	// Start server in background
	go func() {
		ts.done <- srv.Serve(ln)
	}()

	// Wait for server to be ready
	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

// Stop terminates every session and shuts the server down
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	regErr := ts.Registry.Shutdown(ctx)
	srvErr := ts.Server.Shutdown(ctx)
	serveErr := <-ts.done
	busErr := ts.Bus.Close()
	return errors.Join(regErr, srvErr, serveErr, busErr)
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/healthz")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
