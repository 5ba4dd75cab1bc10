package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/toolstream/internal/auth"
	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/metrics"
)

// ReconnectRequest carries the inputs of the reconnection handshake.
type ReconnectRequest struct {
	SessionID string
	// LastEventID is the last event the client saw. Empty means the client
	// has no position; it then receives whatever the target channel never
	// delivered to anyone.
	LastEventID string
	Credentials auth.Credentials
	Conn        Conn
	// Exclusive refuses to supersede a live connection on the target channel.
	Exclusive bool
}

// Reconnect reattaches a new connection to an existing session.
//
// Credentials are refreshed before the session is touched. Under the session
// lock the resume position is validated first, so a ReplayGap leaves the
// session exactly as it was; only then is the grace timer cancelled, the
// auth context replaced and the connection attached, superseding any previous
// one. Replay and live delivery share the attachment's cursor, so the client
// sees one gap-free sequence.
func (r *Registry) Reconnect(ctx context.Context, req ReconnectRequest) (*Session, string, error) {
	s, err := r.Get(req.SessionID)
	if err != nil {
		metrics.RecordReconnect(metrics.ReconnectNotFound)
		return nil, "", err
	}

	actx, err := r.auth.Refresh(ctx, s.id, req.Credentials)
	if err != nil {
		metrics.RecordReconnect(metrics.ReconnectAuth)
		return nil, "", fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	channelID, err := s.reconnect(actx, req)
	switch {
	case err == nil:
		metrics.RecordReconnect(metrics.ReconnectOK)
	case errors.Is(err, ErrSessionNotFound):
		metrics.RecordReconnect(metrics.ReconnectNotFound)
	case errors.Is(err, eventlog.ErrReplayGap):
		metrics.RecordReconnect(metrics.ReconnectGap)
	default:
		metrics.RecordReconnect(metrics.ReconnectError)
	}
	if err != nil {
		return nil, "", err
	}
	return s, channelID, nil
}

// resumePoint maps a last-seen event id to a channel and sequence.
func (s *Session) resumePoint(lastEventID string) (string, uint64, error) {
	if lastEventID == "" {
		return BroadcastChannelID, 0, nil
	}
	channelID, seq, err := eventlog.ParseID(s.id, lastEventID)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", eventlog.ErrReplayGap, err)
	}
	return channelID, seq, nil
}

func (s *Session) reconnect(actx *auth.Context, req ReconnectRequest) (string, error) {
	channelID, after, err := s.resumePoint(req.LastEventID)
	if err != nil {
		s.reg.bus.Publish(event.Event{Type: event.ReplayGap, SessionID: s.id, EventID: req.LastEventID, Reason: err.Error()})
		return "", err
	}

	fx := &effects{}
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}

	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		err := fmt.Errorf("%w: channel %s no longer exists", eventlog.ErrReplayGap, channelID)
		s.reg.bus.Publish(event.Event{Type: event.ReplayGap, SessionID: s.id, ChannelID: channelID, EventID: req.LastEventID, Reason: err.Error()})
		return "", err
	}

	cursor, err := s.cursorLocked(ch, after, req.LastEventID != "")
	if err != nil {
		s.mu.Unlock()
		s.reg.bus.Publish(event.Event{Type: event.ReplayGap, SessionID: s.id, ChannelID: channelID, EventID: req.LastEventID, Reason: err.Error()})
		return "", err
	}

	if req.Exclusive && ch.att != nil && ch.att.conn.ID() != req.Conn.ID() {
		s.mu.Unlock()
		return "", ErrChannelAttachConflict
	}

	s.cancelGraceLocked()
	s.authCtx = actx

	att, old, _ := ch.attach(req.Conn, cursor, true)
	if old != nil {
		fx.close(old.conn, ErrSuperseded)
		fx.publish(event.Event{Type: event.SessionDetached, ChannelID: ch.id, ConnectionID: old.conn.ID(), Reason: ErrSuperseded.Error()})
	} else if att != nil {
		metrics.ConnectionsActive.Inc()
	}
	s.state = Active
	s.lastActivityAt = s.reg.now()
	if att != nil {
		fx.kick(ch, att)
		fx.publish(event.Event{Type: event.SessionReconnected, ChannelID: ch.id, ConnectionID: req.Conn.ID(), EventID: req.LastEventID})
	}
	s.mu.Unlock()

	s.apply(fx)
	s.logger.Debug().Str("channel", ch.id).Str("lastEventID", req.LastEventID).Msg("reconnected")
	return ch.id, nil
}

// cursorLocked picks where delivery resumes on ch and checks that every
// event after it is still retained. Events already moved to the broadcast
// channel are skipped. Caller holds s.mu.
func (s *Session) cursorLocked(ch *Channel, after uint64, haveLastEventID bool) (uint64, error) {
	cursor := after
	if !haveLastEventID {
		cursor = ch.deliveredThrough.Load()
	}
	if ch.redirectedThrough > cursor {
		cursor = ch.redirectedThrough
	}

	err := s.log.Validate(ch.id, cursor)
	switch {
	case err == nil:
		return cursor, nil
	case errors.Is(err, eventlog.ErrReplayGap) && !haveLastEventID:
		// A client without a position cannot have a gap; start at the
		// oldest retained event.
		first, _, berr := s.log.Bounds(ch.id)
		if berr != nil {
			return 0, berr
		}
		return first - 1, nil
	case errors.Is(err, eventlog.ErrUnknownEvent):
		return 0, fmt.Errorf("%w: %w", eventlog.ErrReplayGap, err)
	default:
		return 0, err
	}
}
