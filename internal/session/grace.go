package session

import (
	"time"

	"github.com/opencode-ai/toolstream/internal/event"
)

// armGraceLocked starts the countdown to termination. A session has at most
// one timer; every arm and cancel bumps graceGen so a timer that fires after
// being superseded does nothing. A session with a live connection is never
// armed. Caller holds s.mu.
func (s *Session) armGraceLocked(fx *effects) {
	if s.graceTimer != nil || s.liveLocked() > 0 {
		return
	}
	d := s.reg.Config().GracePeriod
	s.graceGen++
	gen := s.graceGen
	s.state = Disconnected
	s.graceDeadline = s.reg.now().Add(d)
	s.graceTimer = time.AfterFunc(d, func() { s.expire(gen) })

	if fx != nil {
		fx.publish(event.Event{Type: event.SessionDisconnected, Reason: d.String()})
	}
	s.logger.Debug().Dur("grace", d).Msg("grace period armed")
}

// cancelGraceLocked stops the countdown. Caller holds s.mu.
func (s *Session) cancelGraceLocked() bool {
	if s.graceTimer == nil {
		return false
	}
	s.graceTimer.Stop()
	s.graceTimer = nil
	s.graceGen++
	s.graceDeadline = time.Time{}
	return true
}

// expire runs on the timer goroutine. Whether it or a concurrent reconnect
// wins is decided by who takes s.mu first.
func (s *Session) expire(gen uint64) {
	fx := &effects{}

	s.mu.Lock()
	if s.state == Terminated || gen != s.graceGen {
		s.mu.Unlock()
		return
	}
	s.graceTimer = nil
	s.terminateLocked(ReasonExpired, fx)
	s.mu.Unlock()

	s.finish(ReasonExpired, fx)
}

// GraceDeadline returns when the session expires, or the zero time while a
// connection is attached.
func (s *Session) GraceDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graceDeadline
}
