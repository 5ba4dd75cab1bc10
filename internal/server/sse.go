package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/session"
)

const (
	// SSEHeartbeatInterval is the default interval for SSE heartbeats.
	SSEHeartbeatInterval = 15 * time.Second
)

var (
	errStreamingUnsupported = errors.New("streaming not supported")
	errConnClosed           = errors.New("connection closed")
)

// sseConn is an SSE response bound to a session channel. The session writes
// events through Send from its delivery goroutine while the handler
// goroutine writes heartbeats; writeMu serializes both. Headers go out with
// the first write so an error status can still be sent before that.
type sseConn struct {
	id string
	w  http.ResponseWriter
	rc *http.ResponseController

	writeMu     sync.Mutex
	wroteHeader bool
	finished    bool

	closeOnce sync.Once
	done      chan struct{}
	causeMu   sync.Mutex
	cause     error
}

var _ session.Conn = (*sseConn)(nil)

func newSSEConn(id string, w http.ResponseWriter) (*sseConn, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errStreamingUnsupported
	}
	return &sseConn{
		id:   id,
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}, nil
}

func (c *sseConn) ID() string { return c.id }

// SetHeader sets a response header if the stream has not started yet.
func (c *sseConn) SetHeader(key, value string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.wroteHeader {
		c.w.Header().Set(key, value)
	}
}

func (c *sseConn) writeHeaderLocked() {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	h := c.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.w.WriteHeader(http.StatusOK)
}

// Start commits the headers and flushes them.
func (c *sseConn) Start() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.finished {
		return errConnClosed
	}
	c.writeHeaderLocked()
	return c.rc.Flush()
}

// Send writes one event. The write deadline follows ctx so a stalled client
// cannot hold the session's delivery goroutine.
func (c *sseConn) Send(ctx context.Context, ev eventlog.Event) error {
	return c.write(ctx, func(buf *bytes.Buffer) {
		writeFrame(buf, ev.ID, "message", ev.Payload)
	})
}

// WriteEvent writes an event without an id, so clients never resume from it.
func (c *sseConn) WriteEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(context.Background(), func(buf *bytes.Buffer) {
		writeFrame(buf, "", eventType, payload)
	})
}

func (c *sseConn) writeHeartbeat() error {
	return c.write(context.Background(), func(buf *bytes.Buffer) {
		buf.WriteString(": heartbeat\n\n")
	})
}

func (c *sseConn) write(ctx context.Context, frame func(*bytes.Buffer)) error {
	var buf bytes.Buffer
	frame(&buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.finished {
		return errConnClosed
	}
	c.writeHeaderLocked()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.rc.SetWriteDeadline(deadline)
		defer c.rc.SetWriteDeadline(time.Time{})
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return c.rc.Flush()
}

// Close ends the stream; the handler returns once it sees it.
func (c *sseConn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.causeMu.Lock()
		c.cause = cause
		c.causeMu.Unlock()
		close(c.done)
	})
}

// Done is closed when the session closed the connection.
func (c *sseConn) Done() <-chan struct{} { return c.done }

// Cause returns why the session closed the connection.
func (c *sseConn) Cause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// finish forbids further writes. The handler calls it before returning, as
// the ResponseWriter is invalid afterwards.
func (c *sseConn) finish() {
	c.writeMu.Lock()
	c.finished = true
	c.writeMu.Unlock()
}

// serve runs the heartbeat loop until the session closes the connection or
// the client goes away. It reports whether the client went away.
func (c *sseConn) serve(ctx context.Context, heartbeat time.Duration) (clientGone bool) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-c.done:
			if cause := c.Cause(); cause != nil {
				_ = c.WriteEvent("close", map[string]string{"reason": cause.Error()})
			}
			return false
		case <-ticker.C:
			if err := c.writeHeartbeat(); err != nil {
				return true
			}
		}
	}
}

// writeFrame renders one SSE frame. Payload lines become separate data
// fields so embedded newlines survive.
func writeFrame(buf *bytes.Buffer, id, eventType string, payload []byte) {
	if id != "" {
		fmt.Fprintf(buf, "id: %s\n", id)
	}
	if eventType != "" {
		fmt.Fprintf(buf, "event: %s\n", eventType)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
}

// globalEvents streams session lifecycle events from the bus. Callers only
// see events of sessions their credentials may act on.
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	creds := credentials(r)
	filter := r.URL.Query().Get("sessionId")
	if filter != "" {
		sess, err := s.registry.Get(filter)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		if err := sess.Verify(r.Context(), creds); err != nil {
			writeSessionError(w, err)
			return
		}
	}

	conn, err := newSSEConn(s.nextConnID("global"), w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	defer conn.finish()

	// Subscribe before the headers go out so a client that saw them
	// misses nothing.
	events := make(chan event.Event, 64)
	if s.bus != nil {
		unsub := s.bus.SubscribeAll(func(e event.Event) {
			if filter != "" && e.SessionID != filter {
				return
			}
			select {
			case events <- e:
			default:
				s.logger.Warn().
					Str("eventType", string(e.Type)).
					Msg("SSE global event dropped: channel full")
			}
		})
		defer unsub()
	}

	if err := conn.Start(); err != nil {
		return
	}

	// Decisions are cached per session: terminated sessions can no longer
	// be looked up, but their last events are still due to their owner.
	allowed := make(map[string]bool)
	visible := func(e event.Event) bool {
		ok, seen := allowed[e.SessionID]
		if !seen {
			sess, err := s.registry.Get(e.SessionID)
			ok = err == nil && sess.Verify(r.Context(), creds) == nil
			allowed[e.SessionID] = ok
		}
		if e.Type == event.SessionTerminated {
			delete(allowed, e.SessionID)
		}
		return ok
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if !visible(e) {
				continue
			}
			if err := conn.WriteEvent(string(e.Type), e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
