package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/internal/metrics"
)

// AbandonPolicy decides what happens to a request whose connection dies
// before its response is written.
type AbandonPolicy string

const (
	// AbandonKeep lets the computation finish; its response is dropped.
	AbandonKeep AbandonPolicy = "keep"
	// AbandonCancel cancels the computation and tears the channel down.
	AbandonCancel AbandonPolicy = "cancel"
)

// ParseAbandonPolicy maps a config string to a policy, defaulting to keep.
func ParseAbandonPolicy(s string) AbandonPolicy {
	if AbandonPolicy(s) == AbandonCancel {
		return AbandonCancel
	}
	return AbandonKeep
}

// Config holds the tunables of the session layer.
type Config struct {
	// GracePeriod is how long a session with no live connection survives.
	GracePeriod time.Duration
	// SendTimeout bounds a single write to a connection. Zero disables it.
	SendTimeout   time.Duration
	AbandonPolicy AbandonPolicy
	Log           eventlog.Config
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   30 * time.Second,
		SendTimeout:   10 * time.Second,
		AbandonPolicy: AbandonKeep,
		Log:           eventlog.DefaultConfig(),
	}
}

// ErrShuttingDown is returned by Create once Shutdown has started.
var ErrShuttingDown = errors.New("session registry is shutting down")

// Registry is the process-wide table of sessions. It is created at server
// start and drained by Shutdown. Its lock only guards the map; session work
// never holds it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	cfg    atomic.Pointer[Config]
	auth   auth.Authenticator
	bus    *event.Bus
	newID  func() string
	now    func() time.Time
	logger zerolog.Logger

	// wg tracks computations started with Session.Go.
	wg sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides the id generator used for sessions and request
// channels.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithClock overrides the clock used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(cfg Config, authn auth.Authenticator, bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		auth:     authn,
		bus:      bus,
		newID:    func() string { return ulid.Make().String() },
		now:      time.Now,
		logger:   logging.Component("session"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.auth == nil {
		r.auth = auth.NewManager(auth.WithAnonymous(true))
	}
	r.SetConfig(cfg)
	return r
}

// Config returns the current configuration.
func (r *Registry) Config() Config {
	return *r.cfg.Load()
}

// SetConfig replaces the configuration. Grace period, send timeout and
// abandon policy apply from the next use; retention applies to new sessions.
func (r *Registry) SetConfig(cfg Config) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.AbandonPolicy == "" {
		cfg.AbandonPolicy = AbandonKeep
	}
	r.cfg.Store(&cfg)
}

// Create authenticates creds and registers a new session. The session starts
// Disconnected with its grace timer armed, so one that never gets a
// connection still expires.
func (r *Registry) Create(ctx context.Context, creds auth.Credentials) (*Session, error) {
	id := r.newID()
	actx, err := r.auth.Refresh(ctx, id, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	s := newSession(r, id, actx)
	// Armed before the session is reachable, so no attach can slip in first.
	s.mu.Lock()
	s.armGraceLocked(nil)
	s.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.mu.Lock()
		s.cancelGraceLocked()
		s.mu.Unlock()
		s.cancel()
		if f, ok := r.auth.(interface{ Forget(string) }); ok {
			f.Forget(id)
		}
		return nil, ErrShuttingDown
	}
	r.sessions[id] = s
	r.mu.Unlock()
	if s.State() == Terminated {
		// A grace period shorter than registration already ran out.
		r.mu.Lock()
		if r.sessions[id] == s {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	}

	metrics.RecordSessionCreated()
	r.bus.Publish(event.Event{Type: event.SessionCreated, SessionID: id})
	s.logger.Debug().Str("subject", actx.Subject).Msg("session created")
	return s, nil
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Enqueue routes a producer event to a session channel.
func (r *Registry) Enqueue(ctx context.Context, sessionID, channelID string, payload []byte, relatedRequestID string) (Receipt, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return Receipt{}, err
	}
	return s.Enqueue(ctx, channelID, payload, relatedRequestID)
}

// Close terminates a session on explicit request.
func (r *Registry) Close(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	if !s.Close() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// List returns a snapshot of every session ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListFor is List restricted to the sessions creds may act on.
func (r *Registry) ListFor(ctx context.Context, creds auth.Credentials) []Info {
	all := r.List()
	out := make([]Info, 0, len(all))
	for _, info := range all {
		s, err := r.Get(info.ID)
		if err != nil {
			continue
		}
		if s.Verify(ctx, creds) == nil {
			out = append(out, info)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// forget removes a terminated session from the table.
func (r *Registry) forget(s *Session, reason string) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	metrics.RecordSessionTerminated(reason)
	if f, ok := r.auth.(interface{ Forget(string) }); ok {
		f.Forget(s.id)
	}
}

// Shutdown terminates every session, cancelling grace timers and
// computations and closing connections, then waits for computations started
// with Session.Go to return or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, s := range sessions {
		g.Go(func() error {
			s.terminate(ReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info().Int("sessions", len(sessions)).Msg("session registry drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session tasks: %w", ctx.Err())
	}
}
