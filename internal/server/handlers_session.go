package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/session"
	"github.com/opencode-ai/toolstream/pkg/types"
)

// listSessions handles GET /session. Callers only see their own sessions.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListFor(r.Context(), credentials(r)))
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.Verify(r.Context(), credentials(r)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	s.closeSession(w, r, chi.URLParam(r, "sessionID"))
}

// notifySession handles POST /session/{sessionID}/notify. It lets an
// out-of-process producer inject an event, routed exactly like one from a
// tool. The channel defaults to the broadcast channel.
func (s *Server) notifySession(w http.ResponseWriter, r *http.Request) {
	var req types.NotifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Payload == nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "payload is required")
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = session.BroadcastChannelID
	}

	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.Verify(r.Context(), credentials(r)); err != nil {
		writeSessionError(w, err)
		return
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	rcpt, err := sess.Enqueue(r.Context(), req.ChannelID, payload, req.RelatedRequestID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.NotifyResponse{
		EventID:     rcpt.EventID,
		Disposition: rcpt.Disposition.String(),
		RedirectID:  rcpt.RedirectID,
	})
}

// channelEvents handles GET /session/{sessionID}/channel/{channelID}/events.
// It returns the retained events after the "after" event id without
// attaching anything, for auditing and debugging.
func (s *Server) channelEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.Verify(r.Context(), credentials(r)); err != nil {
		writeSessionError(w, err)
		return
	}

	events := []types.ReplayedEvent{}
	err = sess.ReplayAfter(chi.URLParam(r, "channelID"), r.URL.Query().Get("after"), func(ev eventlog.Event) error {
		events = append(events, types.ReplayedEvent{
			ID:               ev.ID,
			Seq:              ev.Seq,
			Kind:             ev.Kind.String(),
			RelatedRequestID: ev.RelatedRequestID,
			Payload:          json.RawMessage(ev.Payload),
			CreatedAt:        ev.CreatedAt.UnixMilli(),
		})
		return nil
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
