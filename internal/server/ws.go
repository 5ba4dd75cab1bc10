package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/types"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsControlWait  = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is a WebSocket bound to a session channel. gorilla allows one
// concurrent writer, so frames go through writeMu; control frames may be
// written concurrently.
type wsConn struct {
	id   string
	conn *websocket.Conn

	writeMu  sync.Mutex
	finished bool

	closeOnce sync.Once
	done      chan struct{}
	causeMu   sync.Mutex
	cause     error
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(id string, conn *websocket.Conn) *wsConn {
	return &wsConn{id: id, conn: conn, done: make(chan struct{})}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, ev eventlog.Event) error {
	return c.writeFrame(ctx, types.WSFrame{Type: types.WSFrameEvent, ID: ev.ID, Data: ev.Payload})
}

func (c *wsConn) writeFrame(ctx context.Context, frame types.WSFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.finished {
		return errConnClosed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsControlWait)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) Close(cause error) {
	c.closeOnce.Do(func() {
		c.causeMu.Lock()
		c.cause = cause
		c.causeMu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) Cause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// shutdown sends a close frame and releases the socket.
func (c *wsConn) shutdown(code int, reason string) {
	c.writeMu.Lock()
	c.finished = true
	c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlWait))
	_ = c.conn.Close()
}

// wsStream handles GET /ws. The handshake matches GET /mcp with the session
// id, Last-Event-ID and token taken from the query string. Every event of the
// attached channel arrives as an "event" frame; JSON-RPC messages sent by the
// client run on the broadcast channel, so responses come back on the same
// socket.
func (s *Server) wsStream(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newWSConn(s.nextConnID("ws"), ws)

	sess, channelID, err := s.attachWS(r, conn)
	if err != nil {
		_, code := classify(err)
		_ = conn.writeFrame(context.Background(), types.WSFrame{
			Type:  types.WSFrameError,
			Error: &types.ErrorDetail{Code: code, Message: err.Error()},
		})
		conn.shutdown(websocket.ClosePolicyViolation, code)
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.wsReadLoop(sess, conn)
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			sess.Detach(channelID, conn)
			conn.shutdown(websocket.CloseNormalClosure, "")
			return
		case <-conn.done:
			reason := ""
			if cause := conn.Cause(); cause != nil {
				reason = cause.Error()
				_ = conn.writeFrame(context.Background(), types.WSFrame{Type: types.WSFrameClose, Data: mustJSON(map[string]string{"reason": reason})})
			}
			conn.shutdown(websocket.CloseNormalClosure, reason)
			<-readDone
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWait)); err != nil {
				sess.Detach(channelID, conn)
				conn.shutdown(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

func (s *Server) attachWS(r *http.Request, conn *wsConn) (*session.Session, string, error) {
	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		sess, err := s.registry.Create(r.Context(), credentials(r))
		if err != nil {
			return nil, "", err
		}
		frame := types.WSFrame{
			Type: types.WSFrameSession,
			Data: mustJSON(types.SessionFrame{SessionID: sess.ID(), ChannelID: session.BroadcastChannelID}),
		}
		if err := conn.writeFrame(context.Background(), frame); err != nil {
			return nil, "", err
		}
		if err := sess.Attach(session.BroadcastChannelID, conn); err != nil {
			return nil, "", err
		}
		return sess, session.BroadcastChannelID, nil
	}

	lastEventID := lastEventIDFrom(r)
	return s.registry.Reconnect(r.Context(), session.ReconnectRequest{
		SessionID:   sessionID,
		LastEventID: lastEventID,
		Credentials: credentials(r),
		Conn:        conn,
		Exclusive:   lastEventID == "",
	})
}

// wsReadLoop dispatches client messages until the socket fails.
func (s *Server) wsReadLoop(sess *session.Session, conn *wsConn) {
	ws := conn.conn
	ws.SetReadLimit(s.config.MaxBodyBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		msg, err := mcp.ParseMessage(data)
		if err != nil {
			_ = conn.writeFrame(context.Background(), types.WSFrame{
				Type:  types.WSFrameError,
				Error: &types.ErrorDetail{Code: ErrCodeInvalidRequest, Message: err.Error()},
			})
			continue
		}
		switch {
		case msg.IsRequest():
			err := s.host.Start(sess, session.BroadcastChannelID, msg)
			if errors.Is(err, session.ErrDuplicateRequest) {
				_, code := classify(err)
				_ = conn.writeFrame(context.Background(), types.WSFrame{
					Type:  types.WSFrameError,
					Error: &types.ErrorDetail{Code: code, Message: err.Error()},
				})
				continue
			}
			if err != nil {
				return
			}
		case msg.IsNotification():
			s.host.Notify(sess.Context(), sess, msg)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
