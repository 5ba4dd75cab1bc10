package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolstream/internal/logging"
	"github.com/opencode-ai/toolstream/internal/session"
)

// notificationBuffer bounds the notifications a tool can send before the
// pump catches up; mcp-go reports an error to the tool past that.
const notificationBuffer = 64

// Host runs JSON-RPC requests against an mcp-go server as session
// computations. Notifications a tool sends while it runs are enqueued on the
// request's channel as unrelated events, and the JSON-RPC response is
// enqueued last as the event related to the request.
type Host struct {
	server *server.MCPServer
	logger zerolog.Logger
}

// NewHost wraps an MCP server.
func NewHost(srv *server.MCPServer) *Host {
	return &Host{
		server: srv,
		logger: logging.Component("mcp"),
	}
}

// Server returns the wrapped MCP server.
func (h *Host) Server() *server.MCPServer { return h.server }

// Start runs msg in the background on sess. The computation is tracked under
// the request id, so it is cancelled with the session or, under the cancel
// abandon policy, when the request's connection dies.
func (h *Host) Start(sess *session.Session, channelID string, msg Message) error {
	if !msg.IsRequest() {
		return fmt.Errorf("%w: %s is not a request", ErrInvalidMessage, msg.Method)
	}
	requestID := msg.RequestID()
	return sess.Go(requestID, func(ctx context.Context) {
		h.run(ctx, sess, channelID, requestID, msg)
	})
}

func (h *Host) run(ctx context.Context, sess *session.Session, channelID, requestID string, msg Message) {
	log := h.logger.With().Str("session", sess.ID()).Str("channel", channelID).Str("method", msg.Method).Logger()

	notes := make(chan mcp.JSONRPCNotification, notificationBuffer)
	ctx = h.server.WithContext(ctx, newClientSession(sess.ID(), notes))

	done := make(chan struct{})
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for {
			select {
			case n := <-notes:
				h.forward(sess, channelID, n, log)
			case <-done:
				for {
					select {
					case n := <-notes:
						h.forward(sess, channelID, n, log)
					default:
						return
					}
				}
			}
		}
	}()

	resp := h.server.HandleMessage(ctx, msg.Raw)
	close(done)
	<-pumped

	if resp == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		return
	}
	rcpt, err := sess.Enqueue(context.Background(), channelID, payload, requestID)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			log.Warn().Err(err).Msg("failed to enqueue response")
		}
		return
	}
	log.Debug().Str("event", rcpt.EventID).Stringer("disposition", rcpt.Disposition).Msg("response enqueued")
}

func (h *Host) forward(sess *session.Session, channelID string, n mcp.JSONRPCNotification, log zerolog.Logger) {
	payload, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode notification")
		return
	}
	if _, err := sess.Enqueue(context.Background(), channelID, payload, ""); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Warn().Err(err).Str("notification", n.Method).Msg("failed to enqueue notification")
	}
}

// Notify hands a client notification to the MCP server synchronously.
func (h *Host) Notify(ctx context.Context, sess *session.Session, msg Message) {
	notes := make(chan mcp.JSONRPCNotification, notificationBuffer)
	ctx = h.server.WithContext(ctx, newClientSession(sess.ID(), notes))
	h.server.HandleMessage(ctx, msg.Raw)
}

// clientSession is what mcp-go sees as the client for one request. Session
// lifetime is owned by the session package, so it is always initialized.
type clientSession struct {
	id          string
	notes       chan mcp.JSONRPCNotification
	initialized atomic.Bool
}

var _ server.ClientSession = (*clientSession)(nil)

func newClientSession(id string, notes chan mcp.JSONRPCNotification) *clientSession {
	cs := &clientSession{id: id, notes: notes}
	cs.initialized.Store(true)
	return cs
}

func (c *clientSession) SessionID() string { return c.id }

func (c *clientSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return c.notes }

func (c *clientSession) Initialize() { c.initialized.Store(true) }

func (c *clientSession) Initialized() bool { return c.initialized.Load() }
