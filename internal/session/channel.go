package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/toolstream/internal/eventlog"
)

// BroadcastChannelID is the reserved id of the per-session broadcast channel.
const BroadcastChannelID = "B"

// Conn is a live connection that a channel delivers events to.
type Conn interface {
	// ID identifies the connection in logs and for idempotent attach.
	ID() string
	// Send writes one event. It must honour ctx and return promptly when the
	// peer is gone.
	Send(ctx context.Context, ev eventlog.Event) error
	// Close ends the connection. A nil cause is a normal completion.
	Close(cause error)
}

// SendStatus is the result of handing an event to a channel.
type SendStatus int

const (
	Delivered SendStatus = iota + 1
	NoLiveConnection
)

// Channel is a named delivery target within a session.
type Channel struct {
	id        string
	kind      eventlog.Kind
	requestID string
	createdAt time.Time

	// guarded by Session.mu
	att               *attachment
	redirectedThrough uint64

	// highest sequence written to any connection
	deliveredThrough atomic.Uint64
}

func newChannel(id string, kind eventlog.Kind, requestID string, now time.Time) *Channel {
	return &Channel{id: id, kind: kind, requestID: requestID, createdAt: now}
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// Kind returns Broadcast or RequestScoped.
func (c *Channel) Kind() eventlog.Kind { return c.kind }

// RequestID returns the request a RequestScoped channel serves.
func (c *Channel) RequestID() string { return c.requestID }

// attach installs conn and returns the new attachment. Attaching the
// connection that is already attached is a no-op and returns nil. Another
// live connection is a conflict unless supersede is set, in which case the
// previous attachment is returned for the caller to close.
// Caller holds Session.mu.
func (c *Channel) attach(conn Conn, cursor uint64, supersede bool) (att, old *attachment, err error) {
	if c.att != nil {
		if c.att.conn.ID() == conn.ID() {
			return nil, nil, nil
		}
		if !supersede {
			return nil, nil, ErrChannelAttachConflict
		}
		old = c.att
		old.closed.Store(true)
	}
	c.att = &attachment{conn: conn, cursor: cursor}
	return c.att, old, nil
}

// detach removes att if it is still the current attachment. Idempotent.
// Caller holds Session.mu.
func (c *Channel) detach(att *attachment) bool {
	if att == nil || c.att != att {
		return false
	}
	att.closed.Store(true)
	c.att = nil
	return true
}

// send reports whether ev can go to a live connection. The write itself
// happens later through the attachment, outside Session.mu.
// Caller holds Session.mu.
func (c *Channel) send(ev eventlog.Event) (SendStatus, *attachment) {
	if c.att == nil || c.att.closed.Load() {
		return NoLiveConnection, nil
	}
	return Delivered, c.att
}

func (c *Channel) markDelivered(seq uint64) {
	for {
		cur := c.deliveredThrough.Load()
		if seq <= cur || c.deliveredThrough.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// attachment is one connection bound to one channel. Its cursor is the last
// sequence written to conn; mu serializes writes so the connection sees each
// event once and in log order.
type attachment struct {
	conn Conn

	mu     sync.Mutex
	cursor uint64

	pending atomic.Bool
	closed  atomic.Bool
}
