package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/opencode-ai/toolstream/internal/mcp"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/types"
)

// mcpStream handles GET /mcp.
//
// Without a session id a new session is created and its broadcast channel is
// streamed, starting with a "session" frame that carries the id. With a
// session id the request is a reconnection: Last-Event-ID picks the channel
// and position to resume from; without it the broadcast channel resumes
// after its last delivered event, refusing to displace a live stream.
func (s *Server) mcpStream(w http.ResponseWriter, r *http.Request) {
	conn, err := newSSEConn(s.nextConnID("sse"), w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		sess, err := s.registry.Create(r.Context(), credentials(r))
		if err != nil {
			writeSessionError(w, err)
			return
		}
		conn.SetHeader(types.HeaderSessionID, sess.ID())
		conn.SetHeader(types.HeaderChannelID, session.BroadcastChannelID)
		if err := conn.WriteEvent("session", types.SessionFrame{
			SessionID: sess.ID(),
			ChannelID: session.BroadcastChannelID,
		}); err != nil {
			conn.finish()
			return
		}
		if err := sess.Attach(session.BroadcastChannelID, conn); err != nil {
			conn.finish()
			return
		}
		s.stream(r, sess, session.BroadcastChannelID, conn)
		return
	}

	lastEventID := lastEventIDFrom(r)
	conn.SetHeader(types.HeaderSessionID, sessionID)
	sess, channelID, err := s.registry.Reconnect(r.Context(), session.ReconnectRequest{
		SessionID:   sessionID,
		LastEventID: lastEventID,
		Credentials: credentials(r),
		Conn:        conn,
		Exclusive:   lastEventID == "",
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("session", sessionID).Str("lastEventID", lastEventID).Msg("reconnect refused")
		writeSessionError(w, err)
		return
	}
	conn.SetHeader(types.HeaderChannelID, channelID)
	s.stream(r, sess, channelID, conn)
}

// mcpPost handles POST /mcp. Requests get their own channel whose stream is
// the response body; it ends after the response event. Notifications and
// responses from the client are accepted with 202.
func (s *Server) mcpPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	msg, err := mcp.ParseMessage(body)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	sess, err := s.sessionForPost(r, msg)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if !msg.IsRequest() {
		if msg.IsNotification() {
			s.host.Notify(r.Context(), sess, msg)
		}
		w.Header().Set(types.HeaderSessionID, sess.ID())
		w.WriteHeader(http.StatusAccepted)
		return
	}

	conn, err := newSSEConn(s.nextConnID("req"), w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	conn.SetHeader(types.HeaderSessionID, sess.ID())

	ch, err := sess.OpenRequest(msg.RequestID(), conn)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	conn.SetHeader(types.HeaderChannelID, ch.ID())
	if err := conn.Start(); err != nil {
		sess.Detach(ch.ID(), conn)
		conn.finish()
		return
	}
	if err := s.host.Start(sess, ch.ID(), msg); err != nil {
		s.logger.Warn().Err(err).Str("session", sess.ID()).Msg("failed to start request")
		sess.Detach(ch.ID(), conn)
		conn.finish()
		return
	}
	s.stream(r, sess, ch.ID(), conn)
}

// sessionForPost resolves the session a POST belongs to. An initialize
// request without a session id creates one.
func (s *Server) sessionForPost(r *http.Request, msg mcp.Message) (*session.Session, error) {
	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		if msg.Method != mcp.MethodInitialize {
			return nil, fmt.Errorf("%w: %s header required", mcp.ErrInvalidMessage, types.HeaderSessionID)
		}
		return s.registry.Create(r.Context(), credentials(r))
	}

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Verify(r.Context(), credentials(r)); err != nil {
		return nil, err
	}
	return sess, nil
}

// mcpDelete handles DELETE /mcp, terminating the session.
func (s *Server) mcpDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, types.HeaderSessionID+" header required")
		return
	}
	s.closeSession(w, r, sessionID)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.Verify(r.Context(), credentials(r)); err != nil {
		writeSessionError(w, err)
		return
	}
	if err := s.registry.Close(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream holds the handler open for an attached connection and detaches it
// when the client goes away.
func (s *Server) stream(r *http.Request, sess *session.Session, channelID string, conn *sseConn) {
	defer conn.finish()

	if err := conn.Start(); err != nil {
		sess.Detach(channelID, conn)
		return
	}
	if conn.serve(r.Context(), s.config.HeartbeatInterval) {
		sess.Detach(channelID, conn)
		return
	}
	if cause := conn.Cause(); cause != nil {
		s.logger.Debug().Str("session", sess.ID()).Str("channel", channelID).Str("conn", conn.ID()).Err(cause).Msg("stream closed by session")
	}
}
