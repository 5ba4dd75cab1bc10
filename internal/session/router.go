package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/toolstream/internal/event"
	"github.com/opencode-ai/toolstream/internal/eventlog"
	"github.com/opencode-ai/toolstream/internal/metrics"
)

// Disposition says what became of an enqueued event.
type Disposition int

const (
	// Sent means the channel had a live connection; the write happens
	// asynchronously through the channel's delivery cursor.
	Sent Disposition = iota + 1
	// Buffered means the event is retained for replay on a channel with no
	// live connection.
	Buffered
	// Dropped means the event belonged to a request whose channel was dead.
	Dropped
	// Redirected means the event was re-appended to the broadcast channel.
	Redirected
)

func (d Disposition) String() string {
	switch d {
	case Sent:
		return "sent"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	case Redirected:
		return "redirected"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Receipt is returned to producers.
type Receipt struct {
	EventID     string      `json:"eventID,omitempty"`
	Disposition Disposition `json:"disposition"`
	RedirectID  string      `json:"redirectID,omitempty"`
}

// Enqueue appends payload to a channel and routes it. The event is always
// appended to the target channel first; when that channel has no live
// connection a related event is dropped together with its request, and any
// other event is redirected to the broadcast channel. Delivery failures are
// never returned to the producer.
func (s *Session) Enqueue(_ context.Context, channelID string, payload []byte, relatedRequestID string) (Receipt, error) {
	fx := &effects{}

	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return Receipt{}, ErrSessionNotFound
	}
	s.lastActivityAt = s.reg.now()

	ch, ok := s.channels[channelID]
	if !ok {
		var rcpt Receipt
		if relatedRequestID != "" {
			rcpt = Receipt{Disposition: Dropped}
			metrics.EventsDroppedTotal.Inc()
			fx.publish(event.Event{Type: event.EventDropped, ChannelID: channelID, Reason: "unknown channel"})
		} else {
			rev, err := s.appendBroadcastLocked(payload, fx)
			if err != nil {
				s.mu.Unlock()
				return Receipt{}, err
			}
			rcpt = Receipt{Disposition: Redirected, RedirectID: rev.ID}
			metrics.EventsRedirectedTotal.Inc()
			fx.publish(event.Event{Type: event.EventRedirected, ChannelID: channelID, EventID: rev.ID, Reason: "unknown channel"})
		}
		s.mu.Unlock()
		s.apply(fx)
		return rcpt, nil
	}

	ev, err := s.log.Append(ch.id, payload, relatedRequestID)
	if err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	metrics.RecordAppend(ev.Kind.String())

	rcpt := Receipt{EventID: ev.ID}
	if status, att := ch.send(ev); status == Delivered {
		rcpt.Disposition = Sent
		fx.kick(ch, att)
	} else {
		rcpt.Disposition, rcpt.RedirectID = s.deadLocked(ch, []eventlog.Event{ev}, fx)
	}
	s.mu.Unlock()

	s.apply(fx)
	return rcpt, nil
}

// appendBroadcastLocked appends an unrelated event to the broadcast channel
// and schedules delivery. Caller holds s.mu.
func (s *Session) appendBroadcastLocked(payload []byte, fx *effects) (eventlog.Event, error) {
	b := s.channels[BroadcastChannelID]
	ev, err := s.log.Append(BroadcastChannelID, payload, "")
	if err != nil {
		return eventlog.Event{}, err
	}
	metrics.RecordAppend(ev.Kind.String())
	if status, att := b.send(ev); status == Delivered {
		fx.kick(b, att)
	}
	return ev, nil
}

// deadLocked applies the dead-channel policy to events already appended to
// ch that no connection will write. Broadcast events stay buffered for
// replay. On a request channel the first related event drops the request
// and tears the channel down; unrelated events move to the broadcast
// channel. Caller holds s.mu.
func (s *Session) deadLocked(ch *Channel, events []eventlog.Event, fx *effects) (Disposition, string) {
	if ch.kind == eventlog.Broadcast {
		return Buffered, ""
	}

	disp, redirectID := Buffered, ""
	for _, ev := range events {
		if ev.Seq <= ch.redirectedThrough {
			continue
		}
		if ev.RelatedRequestID != "" {
			metrics.EventsDroppedTotal.Inc()
			fx.publish(event.Event{Type: event.EventDropped, ChannelID: ch.id, EventID: ev.ID, Reason: "no live connection"})
			s.logger.Debug().Str("channel", ch.id).Str("event", ev.ID).Msg("dropped response for dead request channel")
			s.teardownLocked(ch, ErrRequestAbandoned, fx)
			return Dropped, ""
		}

		rev, err := s.appendBroadcastLocked(ev.Payload, fx)
		if err != nil {
			return disp, redirectID
		}
		ch.redirectedThrough = ev.Seq
		metrics.EventsRedirectedTotal.Inc()
		fx.publish(event.Event{Type: event.EventRedirected, ChannelID: ch.id, EventID: rev.ID, Reason: ev.ID})
		disp, redirectID = Redirected, rev.ID
	}
	return disp, redirectID
}

// teardownLocked removes a RequestScoped channel, its pending request and
// its log partition. Caller holds s.mu.
func (s *Session) teardownLocked(ch *Channel, cause error, fx *effects) {
	if s.channels[ch.id] != ch || ch.kind == eventlog.Broadcast {
		return
	}
	delete(s.channels, ch.id)
	if s.pending[ch.requestID] == ch.id {
		delete(s.pending, ch.requestID)
	}
	if att := ch.att; att != nil && ch.detach(att) {
		metrics.ConnectionsActive.Dec()
		fx.close(att.conn, cause)
	}
	s.log.Remove(ch.id)
	s.afterDetachLocked(fx)
}

// abandonLocked applies the abandon policy to a request channel whose
// connection died. Caller holds s.mu.
func (s *Session) abandonLocked(ch *Channel, fx *effects) {
	if ch.kind != eventlog.RequestScoped || s.reg.Config().AbandonPolicy != AbandonCancel {
		return
	}
	if entry, ok := s.tasks[ch.requestID]; ok {
		fx.cancel(entry.task)
		delete(s.tasks, ch.requestID)
	}
	s.teardownLocked(ch, ErrRequestAbandoned, fx)
}

// afterDetachLocked arms the grace timer once the last connection is gone.
// Caller holds s.mu.
func (s *Session) afterDetachLocked(fx *effects) {
	if s.state == Terminated || s.liveLocked() > 0 {
		return
	}
	s.armGraceLocked(fx)
}

// kick writes everything after att's cursor. Only one goroutine drains an
// attachment at a time; a kick that finds the attachment busy leaves a
// pending mark the current drainer picks up before it lets go.
func (s *Session) kick(ch *Channel, att *attachment) {
	att.pending.Store(true)
	for att.pending.Load() {
		if !att.mu.TryLock() {
			return
		}
		att.pending.Store(false)
		s.drain(ch, att)
		att.mu.Unlock()
	}
}

// drain writes pending events to att.conn. Caller holds att.mu.
func (s *Session) drain(ch *Channel, att *attachment) {
	for !att.closed.Load() {
		events, err := s.log.Since(ch.id, att.cursor)
		if err != nil {
			if errors.Is(err, eventlog.ErrReplayGap) {
				s.connLost(ch, att, fmt.Errorf("%w: %w", ErrSlowConsumer, err))
			}
			return
		}
		if len(events) == 0 {
			return
		}

		for _, ev := range events {
			if att.closed.Load() {
				return
			}
			if err := s.send(att.conn, ev); err != nil {
				s.logger.Debug().Err(err).Str("channel", ch.id).Str("event", ev.ID).Msg("write failed")
				s.connLost(ch, att, err)
				return
			}
			att.cursor = ev.Seq
			ch.markDelivered(ev.Seq)
			metrics.EventsDeliveredTotal.Inc()

			if ch.kind == eventlog.RequestScoped && ev.RelatedRequestID == ch.requestID {
				s.complete(ch, att, ev)
				return
			}
		}
	}
}

func (s *Session) send(conn Conn, ev eventlog.Event) error {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d := s.reg.Config().SendTimeout; d > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, d)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()
	return conn.Send(ctx, ev)
}

// connLost detaches att after its connection failed or went away and
// routes whatever it never wrote. Caller holds att.mu.
func (s *Session) connLost(ch *Channel, att *attachment, cause error) {
	fx := &effects{}

	s.mu.Lock()
	if s.state != Terminated && ch.detach(att) {
		metrics.ConnectionsActive.Dec()
		fx.close(att.conn, cause)
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		fx.publish(event.Event{Type: event.SessionDetached, ChannelID: ch.id, ConnectionID: att.conn.ID(), Reason: reason})

		if ch.kind == eventlog.RequestScoped && s.channels[ch.id] == ch {
			after := att.cursor
			if ch.redirectedThrough > after {
				after = ch.redirectedThrough
			}
			if undelivered, err := s.log.Since(ch.id, after); err == nil && len(undelivered) > 0 {
				s.deadLocked(ch, undelivered, fx)
			}
			s.abandonLocked(ch, fx)
		}
		s.afterDetachLocked(fx)
	}
	s.mu.Unlock()

	s.apply(fx)
}

// complete finishes a request after its response was written. Caller holds
// att.mu.
func (s *Session) complete(ch *Channel, att *attachment, ev eventlog.Event) {
	fx := &effects{}

	s.mu.Lock()
	if s.channels[ch.id] == ch {
		if ch.detach(att) {
			metrics.ConnectionsActive.Dec()
			fx.close(att.conn, nil)
		}
		s.teardownLocked(ch, nil, fx)
		fx.publish(event.Event{Type: event.RequestCompleted, ChannelID: ch.id, EventID: ev.ID, Reason: ch.requestID})
	}
	s.mu.Unlock()

	s.apply(fx)
}

// effects collects work decided under s.mu that must run after it is
// released: closing connections, cancelling tasks, delivery and bus events.
type effects struct {
	cancels []Task
	closes  []closeOp
	kicks   []kickOp
	events  []event.Event
}

type closeOp struct {
	conn  Conn
	cause error
}

type kickOp struct {
	ch  *Channel
	att *attachment
}

func (fx *effects) cancel(t Task) { fx.cancels = append(fx.cancels, t) }

func (fx *effects) close(conn Conn, cause error) {
	fx.closes = append(fx.closes, closeOp{conn: conn, cause: cause})
}

func (fx *effects) kick(ch *Channel, att *attachment) {
	fx.kicks = append(fx.kicks, kickOp{ch: ch, att: att})
}

func (fx *effects) publish(ev event.Event) { fx.events = append(fx.events, ev) }

func (s *Session) apply(fx *effects) {
	for _, t := range fx.cancels {
		t.Cancel()
	}
	for _, c := range fx.closes {
		c.conn.Close(c.cause)
	}
	for _, k := range fx.kicks {
		s.kick(k.ch, k.att)
	}
	for _, ev := range fx.events {
		ev.SessionID = s.id
		s.reg.bus.Publish(ev)
	}
}
