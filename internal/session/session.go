package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/metrics"
)

// State is the lifecycle state of a session.
type State int

const (
	Active State = iota + 1
	Disconnected
	Terminated
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Termination reasons.
const (
	ReasonExpired  = "expired"
	ReasonClosed   = "closed"
	ReasonShutdown = "shutdown"
)

// Task is a handle to a background computation owned by a session.
type Task interface {
	Cancel()
}

// TaskFunc adapts a cancel function to Task.
type TaskFunc func()

// Cancel implements Task.
func (f TaskFunc) Cancel() { f() }

type taskEntry struct {
	task Task
}

// Session is the server-side state of one logical client: its event log,
// channels, in-flight requests, computations and auth context. It outlives
// any single connection.
type Session struct {
	id     string
	reg    *Registry
	log    *eventlog.Log
	logger zerolog.Logger

	// ctx is cancelled on termination; tool work derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	createdAt      time.Time
	lastActivityAt time.Time
	channels       map[string]*Channel
	pending        map[string]string // request id -> channel id
	tasks          map[string]*taskEntry
	authCtx        *auth.Context

	graceTimer    *time.Timer
	graceGen      uint64
	graceDeadline time.Time
}

func newSession(reg *Registry, id string, actx *auth.Context) *Session {
	now := reg.now()
	cfg := reg.Config()
	logCfg := cfg.Log
	if logCfg.Now == nil {
		logCfg.Now = reg.now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             id,
		reg:            reg,
		log:            eventlog.New(id, logCfg),
		logger:         reg.logger.With().Str("session", id).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		state:          Disconnected,
		createdAt:      now,
		lastActivityAt: now,
		channels:       make(map[string]*Channel),
		pending:        make(map[string]string),
		tasks:          make(map[string]*taskEntry),
		authCtx:        actx,
	}
	_ = s.log.Create(BroadcastChannelID, eventlog.Broadcast)
	s.channels[BroadcastChannelID] = newChannel(BroadcastChannelID, eventlog.Broadcast, "", now)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Context is cancelled when the session terminates.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthContext returns the auth context installed by the last create or reconnect.
func (s *Session) AuthContext() *auth.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCtx
}

// Verify checks that creds are still acceptable for this session.
func (s *Session) Verify(ctx context.Context, creds auth.Credentials) error {
	if err := s.reg.auth.Verify(ctx, s.id, s.AuthContext(), creds); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return nil
}

// Attach binds conn to an existing channel without replay of anything the
// channel already delivered. A channel with another live connection returns
// ErrChannelAttachConflict.
func (s *Session) Attach(channelID string, conn Conn) error {
	fx := &effects{}

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	att, _, err := ch.attach(conn, ch.deliveredThrough.Load(), false)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if att != nil {
		s.attachedLocked(ch, att, fx)
	}
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

// attachedLocked records a new attachment. Caller holds s.mu.
func (s *Session) attachedLocked(ch *Channel, att *attachment, fx *effects) {
	metrics.ConnectionsActive.Inc()
	s.cancelGraceLocked()
	s.state = Active
	s.lastActivityAt = s.reg.now()
	fx.publish(event.Event{Type: event.SessionAttached, ChannelID: ch.id, ConnectionID: att.conn.ID()})
	fx.kick(ch, att)
}

// Detach unbinds conn from a channel after the transport noticed it is
// gone. Events that were appended but never written are handled like any
// event on a dead channel. Detaching a connection that is no longer attached
// is a no-op.
func (s *Session) Detach(channelID string, conn Conn) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	var att *attachment
	if ok && ch.att != nil && ch.att.conn.ID() == conn.ID() {
		att = ch.att
	}
	s.mu.Unlock()
	if att == nil {
		return
	}

	// Stop further writes, then wait for any write in flight.
	att.closed.Store(true)
	att.mu.Lock()
	defer att.mu.Unlock()
	s.connLost(ch, att, nil)
}

// OpenRequest allocates a RequestScoped channel for requestID and, when conn
// is not nil, attaches it.
func (s *Session) OpenRequest(requestID string, conn Conn) (*Channel, error) {
	fx := &effects{}

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	_, pending := s.pending[requestID]
	_, running := s.tasks[requestID]
	if pending || running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	id := "R" + s.reg.newID()
	if err := s.log.Create(id, eventlog.RequestScoped); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := newChannel(id, eventlog.RequestScoped, requestID, s.reg.now())
	s.channels[id] = ch
	s.pending[requestID] = id
	s.lastActivityAt = s.reg.now()

	if conn != nil {
		att, _, _ := ch.attach(conn, 0, false)
		s.attachedLocked(ch, att, fx)
	}
	s.mu.Unlock()

	s.apply(fx)
	return ch, nil
}

// Go runs fn as a computation owned by the session. Its context is cancelled
// when the session terminates, when the request is abandoned under the
// cancel policy, or when the registry shuts down.
func (s *Session) Go(requestID string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, dup := s.tasks[requestID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	entry := &taskEntry{task: TaskFunc(cancel)}
	s.tasks[requestID] = entry
	s.reg.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.reg.wg.Done()
		defer s.untrack(requestID, entry)
		defer cancel()
		fn(ctx)
	}()
	return nil
}

// Track registers an externally managed computation under requestID. The
// returned func removes it again.
func (s *Session) Track(requestID string, task Task) (untrack func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return nil, ErrSessionNotFound
	}
	if _, dup := s.tasks[requestID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}
	entry := &taskEntry{task: task}
	s.tasks[requestID] = entry
	return func() { s.untrack(requestID, entry) }, nil
}

func (s *Session) untrack(requestID string, entry *taskEntry) {
	s.mu.Lock()
	if s.tasks[requestID] == entry {
		delete(s.tasks, requestID)
	}
	s.mu.Unlock()
}

// PendingRequest returns the channel serving requestID.
func (s *Session) PendingRequest(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[requestID]
	return id, ok
}

// Live reports whether a channel currently has a live connection.
func (s *Session) Live(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	return ok && ch.att != nil
}

// ReplayAfter pushes the retained events of a channel after lastSeenEventID
// into sink without attaching anything.
func (s *Session) ReplayAfter(channelID, lastSeenEventID string, sink eventlog.Sink) error {
	if s.State() == Terminated {
		return ErrSessionNotFound
	}
	err := s.log.ReplayAfter(channelID, lastSeenEventID, sink)
	if errors.Is(err, eventlog.ErrClosed) {
		return ErrSessionNotFound
	}
	return err
}

// Close terminates the session on explicit client request.
func (s *Session) Close() bool {
	return s.terminate(ReasonClosed)
}

func (s *Session) terminate(reason string) bool {
	fx := &effects{}
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return false
	}
	s.terminateLocked(reason, fx)
	s.mu.Unlock()

	s.finish(reason, fx)
	return true
}

// terminateLocked tears down everything the session owns. Connections are
// closed and computations cancelled by finish, outside the lock.
func (s *Session) terminateLocked(reason string, fx *effects) {
	s.state = Terminated
	s.cancelGraceLocked()

	for _, ch := range s.channels {
		if att := ch.att; att != nil && ch.detach(att) {
			metrics.ConnectionsActive.Dec()
			fx.close(att.conn, ErrSessionTerminated)
		}
	}
	for _, entry := range s.tasks {
		fx.cancel(entry.task)
	}
	s.channels = make(map[string]*Channel)
	s.pending = make(map[string]string)
	s.tasks = make(map[string]*taskEntry)
	s.log.Close()

	fx.publish(event.Event{Type: event.SessionTerminated, Reason: reason})
}

func (s *Session) finish(reason string, fx *effects) {
	s.cancel()
	s.apply(fx)
	s.reg.forget(s, reason)
	s.logger.Debug().Str("reason", reason).Msg("session terminated")
}

// Info is a point-in-time view of a session.
type Info struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	Subject         string            `json:"subject,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivityAt  time.Time         `json:"lastActivityAt"`
	GraceDeadline   *time.Time        `json:"graceDeadline,omitempty"`
	Channels        []ChannelInfo     `json:"channels"`
	PendingRequests map[string]string `json:"pendingRequests"`
	Tasks           int               `json:"tasks"`
}

// ChannelInfo describes one channel of a session.
type ChannelInfo struct {
	ID               string        `json:"id"`
	Kind             eventlog.Kind `json:"kind"`
	RequestID        string        `json:"requestID,omitempty"`
	Live             bool          `json:"live"`
	ConnectionID     string        `json:"connectionID,omitempty"`
	DeliveredThrough uint64        `json:"deliveredThrough"`
	LastSeq          uint64        `json:"lastSeq"`
	Retained         int           `json:"retained"`
	Evicted          uint64        `json:"evicted"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:              s.id,
		State:           s.state,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivityAt,
		PendingRequests: make(map[string]string, len(s.pending)),
		Tasks:           len(s.tasks),
	}
	if s.authCtx != nil {
		info.Subject = s.authCtx.Subject
	}
	if s.graceTimer != nil {
		deadline := s.graceDeadline
		info.GraceDeadline = &deadline
	}
	for req, ch := range s.pending {
		info.PendingRequests[req] = ch
	}

	stats := make(map[string]eventlog.Stats)
	for _, st := range s.log.Stats() {
		stats[st.ChannelID] = st
	}
	for _, ch := range s.channels {
		ci := ChannelInfo{
			ID:               ch.id,
			Kind:             ch.kind,
			RequestID:        ch.requestID,
			Live:             ch.att != nil,
			DeliveredThrough: ch.deliveredThrough.Load(),
		}
		if ch.att != nil {
			ci.ConnectionID = ch.att.conn.ID()
		}
		if st, ok := stats[ch.id]; ok {
			ci.LastSeq = st.LastSeq
			ci.Retained = st.Retained
			ci.Evicted = st.Evicted
		}
		info.Channels = append(info.Channels, ci)
	}
	sort.Slice(info.Channels, func(i, j int) bool { return info.Channels[i].ID < info.Channels[j].ID })
	return info
}

// liveLocked counts attached connections. Caller holds s.mu.
func (s *Session) liveLocked() int {
	n := 0
	for _, ch := range s.channels {
		if ch.att != nil {
			n++
		}
	}
	return n
}
